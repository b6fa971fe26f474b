package recordstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vidpipe/apperr"
	"vidpipe/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"
)

// Table layout:
//
//	owner (partition key) | rk (sort key)
//	<owner>               | VIDEO#<id>#META            Video, plus listedAt for the index
//	<owner>               | VIDEO#<id>#VARIANT#<vid>   Variant
//	#REF                  | VIDEO#<id>                 owner pointer
//
// The owner index is sparse: only META rows carry listedAt.
const (
	attrOwner    = "owner"
	attrRange    = "rk"
	attrListedAt = "listedAt"
	refPartition = "#REF"
)

type videoItem struct {
	Owner    string `dynamodbav:"owner"`
	RK       string `dynamodbav:"rk"`
	ListedAt string `dynamodbav:"listedAt"`
	models.Video
}

type variantItem struct {
	Owner string `dynamodbav:"owner"`
	RK    string `dynamodbav:"rk"`
	models.Variant
}

type refItem struct {
	Owner    string `dynamodbav:"owner"`
	RK       string `dynamodbav:"rk"`
	RefOwner string `dynamodbav:"refOwner"`
}

// DynamoStore keeps records in one DynamoDB table.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
	index  string
	now    func() time.Time
}

// NewDynamo builds a store on an existing table and owner index.
func NewDynamo(cfg aws.Config, table, index string) *DynamoStore {
	return &DynamoStore{
		client: dynamodb.NewFromConfig(cfg),
		table:  table,
		index:  index,
		now:    time.Now,
	}
}

func (s *DynamoStore) Close() error { return nil }

func itemKey(owner, rk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrOwner: &types.AttributeValueMemberS{Value: owner},
		attrRange: &types.AttributeValueMemberS{Value: rk},
	}
}

func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func (s *DynamoStore) CreateVideo(ctx context.Context, video models.Video, original models.Variant) error {
	if video.VideoID == "" || video.CreatedBy == "" || original.VideoID != video.VideoID {
		return apperr.New(apperr.BadRequest, "video and original variant must share a video id and owner")
	}

	meta, err := attributevalue.MarshalMap(videoItem{
		Owner: video.CreatedBy, RK: metaSortKey(video.VideoID), ListedAt: stamp(video.CreatedAt), Video: video,
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to encode video")
	}
	variant, err := attributevalue.MarshalMap(variantItem{
		Owner: video.CreatedBy, RK: variantSortKey(video.VideoID, original.VariantID), Variant: original,
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to encode variant")
	}
	ref, err := attributevalue.MarshalMap(refItem{Owner: refPartition, RK: "VIDEO#" + video.VideoID, RefOwner: video.CreatedBy})
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to encode owner pointer")
	}

	notExists := aws.String("attribute_not_exists(rk)")
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(s.table), Item: ref, ConditionExpression: notExists}},
			{Put: &types.Put{TableName: aws.String(s.table), Item: meta, ConditionExpression: notExists}},
			{Put: &types.Put{TableName: aws.String(s.table), Item: variant, ConditionExpression: notExists}},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return apperr.New(apperr.Conflict, "video %s already exists", video.VideoID)
		}
		return apperr.Upstream(err, "failed to create video %s", video.VideoID)
	}
	return nil
}

func (s *DynamoStore) PutVariant(ctx context.Context, owner string, variant models.Variant) error {
	item, err := attributevalue.MarshalMap(variantItem{
		Owner: owner, RK: variantSortKey(variant.VideoID, variant.VariantID), Variant: variant,
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to encode variant")
	}

	// The Video row must exist and the Variant row must not.
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{ConditionCheck: &types.ConditionCheck{
				TableName:           aws.String(s.table),
				Key:                 itemKey(owner, metaSortKey(variant.VideoID)),
				ConditionExpression: aws.String("attribute_exists(rk)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(s.table),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(rk)"),
			}},
		},
	})
	if err == nil {
		return nil
	}

	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) && len(tce.CancellationReasons) == 2 {
		if aws.ToString(tce.CancellationReasons[0].Code) == "ConditionalCheckFailed" {
			return notFound(variant.VideoID)
		}
		if aws.ToString(tce.CancellationReasons[1].Code) == "ConditionalCheckFailed" {
			return apperr.New(apperr.Conflict, "variant %s already exists", variant.VariantID)
		}
	}
	return apperr.Upstream(err, "failed to create variant %s", variant.VariantID)
}

// updateExpression builds a SET expression from attribute name/value pairs.
func updateExpression(sets map[string]interface{}) (string, map[string]string, map[string]types.AttributeValue, error) {
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	var clauses []string
	i := 0
	for attr, val := range sets {
		av, err := attributevalue.Marshal(val)
		if err != nil {
			return "", nil, nil, err
		}
		n, v := fmt.Sprintf("#a%d", i), fmt.Sprintf(":v%d", i)
		names[n] = attr
		values[v] = av
		clauses = append(clauses, n+" = "+v)
		i++
	}
	return "SET " + strings.Join(clauses, ", "), names, values, nil
}

// conditionExpression extends the existence check with equality
// preconditions. An empty string also matches an absent attribute since
// omitempty fields are not written.
func conditionExpression(conds map[string]string, names map[string]string, values map[string]types.AttributeValue) string {
	clauses := []string{"attribute_exists(rk)"}
	i := 0
	for attr, want := range conds {
		n, v := fmt.Sprintf("#c%d", i), fmt.Sprintf(":c%d", i)
		names[n] = attr
		values[v] = &types.AttributeValueMemberS{Value: want}
		if want == "" {
			clauses = append(clauses, fmt.Sprintf("(attribute_not_exists(%s) OR %s = %s)", n, n, v))
		} else {
			clauses = append(clauses, n+" = "+v)
		}
		i++
	}
	return strings.Join(clauses, " AND ")
}

// patch updates an existing row. found is false when the row is absent;
// a row that exists but fails conds yields a Conflict error.
func (s *DynamoStore) patch(ctx context.Context, owner, rk string, sets map[string]interface{}, conds map[string]string, out interface{}) (bool, error) {
	expr, names, values, err := updateExpression(sets)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "failed to encode patch")
	}
	res, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 itemKey(owner, rk),
		UpdateExpression:                    aws.String(expr),
		ConditionExpression:                 aws.String(conditionExpression(conds, names, values)),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) && len(ccf.Item) > 0 {
			return false, apperr.New(apperr.Conflict, "%s changed concurrently", rk)
		}
		if conditionFailed(err) {
			return false, nil
		}
		return false, apperr.Upstream(err, "failed to update %s", rk)
	}
	if err := attributevalue.UnmarshalMap(res.Attributes, out); err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "failed to decode %s", rk)
	}
	return true, nil
}

func (s *DynamoStore) PatchVariant(ctx context.Context, owner, videoID, variantID string, p models.VariantPatch) (models.Variant, error) {
	if p.Empty() {
		return models.Variant{}, apperr.New(apperr.BadRequest, "no attributes to update")
	}
	sets := map[string]interface{}{"updatedAt": s.now().UTC()}
	if p.Status != nil {
		sets["transcode_status"] = *p.Status
	}
	if p.Size != nil {
		sets["size"] = *p.Size
	}
	if p.URL != nil {
		sets["url"] = *p.URL
	}
	if p.Error != nil {
		sets["error"] = *p.Error
	}
	if p.DispatchID != nil {
		sets["dispatchId"] = *p.DispatchID
	}

	conds := map[string]string{}
	if p.IfStatus != nil {
		conds["transcode_status"] = string(*p.IfStatus)
	}
	if p.IfDispatchID != nil {
		conds["dispatchId"] = *p.IfDispatchID
	}

	var item variantItem
	found, err := s.patch(ctx, owner, variantSortKey(videoID, variantID), sets, conds, &item)
	if err != nil {
		return models.Variant{}, err
	}
	if !found {
		return models.Variant{}, variantNotFound(videoID, variantID)
	}
	return item.Variant, nil
}

func (s *DynamoStore) PatchVideo(ctx context.Context, owner, videoID string, p models.VideoPatch) (models.Video, error) {
	if p.Empty() {
		return models.Video{}, apperr.New(apperr.BadRequest, "no attributes to update")
	}
	sets := map[string]interface{}{}
	if p.FileName != nil {
		sets["fileName"] = *p.FileName
	}
	if p.Title != nil {
		sets["title"] = *p.Title
	}
	if p.Description != nil {
		sets["description"] = *p.Description
	}

	var item videoItem
	found, err := s.patch(ctx, owner, metaSortKey(videoID), sets, nil, &item)
	if err != nil {
		return models.Video{}, err
	}
	if !found {
		return models.Video{}, notFound(videoID)
	}
	return item.Video, nil
}

// queryRows returns every item under the video's prefix, following pages.
func (s *DynamoStore) queryRows(ctx context.Context, owner, videoID string) ([]map[string]types.AttributeValue, error) {
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#o = :o AND begins_with(#r, :p)"),
		ExpressionAttributeNames: map[string]string{
			"#o": attrOwner,
			"#r": attrRange,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":o": &types.AttributeValueMemberS{Value: owner},
			":p": &types.AttributeValueMemberS{Value: videoSortPrefix(videoID)},
		},
		ConsistentRead: aws.Bool(true),
	})

	var items []map[string]types.AttributeValue
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, apperr.Upstream(err, "failed to query video %s", videoID)
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

func rangeOf(item map[string]types.AttributeValue) string {
	if v, ok := item[attrRange].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (s *DynamoStore) QueryVideo(ctx context.Context, owner, videoID string) (models.Video, []models.Variant, error) {
	items, err := s.queryRows(ctx, owner, videoID)
	if err != nil {
		return models.Video{}, nil, err
	}

	var (
		video    models.Video
		hasMeta  bool
		variants []models.Variant
	)
	for _, item := range items {
		if isVariantSortKey(rangeOf(item)) {
			var v variantItem
			if err := attributevalue.UnmarshalMap(item, &v); err != nil {
				return models.Video{}, nil, apperr.Wrap(apperr.Internal, err, "corrupt variant row")
			}
			variants = append(variants, v.Variant)
			continue
		}
		var v videoItem
		if err := attributevalue.UnmarshalMap(item, &v); err != nil {
			return models.Video{}, nil, apperr.Wrap(apperr.Internal, err, "corrupt video row")
		}
		video, hasMeta = v.Video, true
	}
	if !hasMeta {
		return models.Video{}, nil, notFound(videoID)
	}
	return video, variants, nil
}

func (s *DynamoStore) LookupOwner(ctx context.Context, videoID string) (string, error) {
	res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(refPartition, "VIDEO#"+videoID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", apperr.Upstream(err, "owner lookup failed")
	}
	if res.Item == nil {
		return "", notFound(videoID)
	}
	var ref refItem
	if err := attributevalue.UnmarshalMap(res.Item, &ref); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "corrupt owner pointer")
	}
	return ref.RefOwner, nil
}

// ListVideos queries the owner index, or scans META rows for an
// all-owner listing. Scans are not ordered by creation time.
func (s *DynamoStore) ListVideos(ctx context.Context, q ListQuery) (Page, error) {
	if err := q.validate(); err != nil {
		return Page{}, err
	}
	c, err := decodeCursor(q.Cursor, q)
	if err != nil {
		return Page{}, err
	}
	var start map[string]types.AttributeValue
	if c != nil && len(c.Position) > 0 {
		start, err = attributevalue.MarshalMap(c.Position)
		if err != nil {
			return Page{}, apperr.New(apperr.BadRequest, "malformed cursor")
		}
	}

	limit := aws.Int32(int32(q.limit()))
	var (
		items []map[string]types.AttributeValue
		last  map[string]types.AttributeValue
	)
	if q.AllOwners {
		res, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			IndexName:         aws.String(s.index),
			Limit:             limit,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return Page{}, apperr.Upstream(err, "failed to scan videos")
		}
		items, last = res.Items, res.LastEvaluatedKey
	} else {
		res, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(s.index),
			KeyConditionExpression: aws.String("#o = :o"),
			ExpressionAttributeNames: map[string]string{
				"#o": attrOwner,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":o": &types.AttributeValueMemberS{Value: q.Owner},
			},
			ScanIndexForward:  aws.Bool(!q.Descending),
			Limit:             limit,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return Page{}, apperr.Upstream(err, "failed to list videos")
		}
		items, last = res.Items, res.LastEvaluatedKey
	}

	page := Page{Videos: make([]models.Video, 0, len(items))}
	for _, item := range items {
		var v videoItem
		if err := attributevalue.UnmarshalMap(item, &v); err != nil {
			return Page{}, apperr.Wrap(apperr.Internal, err, "corrupt video row")
		}
		page.Videos = append(page.Videos, v.Video)
	}
	if len(last) > 0 {
		pos := map[string]string{}
		if err := attributevalue.UnmarshalMap(last, &pos); err != nil {
			return Page{}, apperr.Wrap(apperr.Internal, err, "failed to encode cursor")
		}
		page.NextCursor = encodeCursor(cursor{Scope: q.scope(), Descending: q.Descending, Position: pos})
	}
	return page, nil
}

func (s *DynamoStore) DeleteVideo(ctx context.Context, owner, videoID string) (int, error) {
	items, err := s.queryRows(ctx, owner, videoID)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, notFound(videoID)
	}

	for _, item := range items {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key:       itemKey(owner, rangeOf(item)),
		})
		if err != nil {
			return 0, apperr.Upstream(err, "failed to delete row of video %s", videoID)
		}
	}
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(refPartition, "VIDEO#"+videoID),
	})
	if err != nil {
		return 0, apperr.Upstream(err, "failed to delete owner pointer of video %s", videoID)
	}
	return len(items), nil
}

func (s *DynamoStore) ScanVariants(ctx context.Context, fn func(owner string, v models.Variant) error) error {
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("contains(#r, :v)"),
		ExpressionAttributeNames: map[string]string{
			"#r": attrRange,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: "#VARIANT#"},
		},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return apperr.Upstream(err, "failed to scan variants")
		}
		for _, item := range page.Items {
			var v variantItem
			if err := attributevalue.UnmarshalMap(item, &v); err != nil {
				continue
			}
			if err := fn(v.Owner, v.Variant); err != nil {
				return err
			}
		}
	}
	return nil
}
