package dynamo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/devilmonastery/bioverify/internal/domain/entities"
	"github.com/devilmonastery/bioverify/internal/domain/repositories"
	"github.com/devilmonastery/bioverify/internal/pkg/metrics"
)

const backendName = "dynamodb"

// VerificationRepository implements repositories.VerificationRepository on DynamoDB
type VerificationRepository struct {
	client API
	tables Tables
}

var _ repositories.VerificationRepository = (*VerificationRepository)(nil)

// NewVerificationRepository creates a repository over client using the given tables
func NewVerificationRepository(client API, tables Tables) *VerificationRepository {
	return &VerificationRepository{client: client, tables: tables}
}

// Name implements repositories.VerificationRepository
func (r *VerificationRepository) Name() string { return backendName }

// Close implements repositories.VerificationRepository. The SDK client holds no
// resources that need releasing.
func (r *VerificationRepository) Close() error { return nil }

func (r *VerificationRepository) put(ctx context.Context, op, table string, v interface{}) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBOperation(backendName, op, time.Since(start), -1, err)
	}()

	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	return err
}

// get loads one item into out. It reports false when the item does not exist.
func (r *VerificationRepository) get(ctx context.Context, op, table string, key map[string]types.AttributeValue, out interface{}) (found bool, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBOperation(backendName, op, time.Since(start), -1, err)
	}()

	res, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, err
	}
	if res.Item == nil {
		return false, nil
	}
	if err = attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", op, err)
	}
	return true, nil
}

func (r *VerificationRepository) delete(ctx context.Context, op, table string, id entities.Identity) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBOperation(backendName, op, time.Since(start), -1, err)
	}()

	_, err = r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       identityKey(id),
	})
	return err
}

// queryCommunity collects every page of a community's items from table
func (r *VerificationRepository) queryCommunity(ctx context.Context, op, table, communityID string) (items []map[string]types.AttributeValue, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBOperation(backendName, op, time.Since(start), int64(len(items)), err)
	}()

	cond, values := communityCondition(communityID)
	pages := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	})
	for pages.HasMorePages() {
		page, pageErr := pages.NextPage(ctx)
		if pageErr != nil {
			err = pageErr
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// scanAll collects every page of table
func (r *VerificationRepository) scanAll(ctx context.Context, op, table string) (items []map[string]types.AttributeValue, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordDBOperation(backendName, op, time.Since(start), int64(len(items)), err)
	}()

	pages := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName:      aws.String(table),
		ConsistentRead: aws.Bool(true),
	})
	for pages.HasMorePages() {
		page, pageErr := pages.NextPage(ctx)
		if pageErr != nil {
			err = pageErr
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// SavePending creates or overwrites a pending verification
func (r *VerificationRepository) SavePending(ctx context.Context, p *entities.PendingVerification) error {
	return r.put(ctx, "save_pending", r.tables.Pending, p)
}

// GetPending retrieves the pending verification for an identity
func (r *VerificationRepository) GetPending(ctx context.Context, id entities.Identity) (*entities.PendingVerification, error) {
	var p entities.PendingVerification
	found, err := r.get(ctx, "get_pending", r.tables.Pending, identityKey(id), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, repositories.ErrPendingNotFound
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// DeletePending removes the pending verification for an identity
func (r *VerificationRepository) DeletePending(ctx context.Context, id entities.Identity) error {
	return r.delete(ctx, "delete_pending", r.tables.Pending, id)
}

// ListPending retrieves the pending verifications of one community
func (r *VerificationRepository) ListPending(ctx context.Context, communityID string) ([]*entities.PendingVerification, error) {
	items, err := r.queryCommunity(ctx, "list_pending", r.tables.Pending, communityID)
	if err != nil {
		return nil, err
	}
	return decodePending(items)
}

// ListAllPending retrieves every pending verification
func (r *VerificationRepository) ListAllPending(ctx context.Context) ([]*entities.PendingVerification, error) {
	items, err := r.scanAll(ctx, "list_all_pending", r.tables.Pending)
	if err != nil {
		return nil, err
	}
	return decodePending(items)
}

func decodePending(items []map[string]types.AttributeValue) ([]*entities.PendingVerification, error) {
	var out []*entities.PendingVerification
	if err := attributevalue.UnmarshalListOfMaps(items, &out); err != nil {
		return nil, fmt.Errorf("unmarshal pending: %w", err)
	}
	for _, p := range out {
		p.CreatedAt = p.CreatedAt.UTC()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveVerified creates or overwrites a verified record
func (r *VerificationRepository) SaveVerified(ctx context.Context, v *entities.VerifiedRecord) error {
	return r.put(ctx, "save_verified", r.tables.Verified, v)
}

// GetVerified retrieves the verified record for an identity
func (r *VerificationRepository) GetVerified(ctx context.Context, id entities.Identity) (*entities.VerifiedRecord, error) {
	var v entities.VerifiedRecord
	found, err := r.get(ctx, "get_verified", r.tables.Verified, identityKey(id), &v)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, repositories.ErrVerifiedNotFound
	}
	v.VerifiedAt = v.VerifiedAt.UTC()
	return &v, nil
}

// DeleteVerified removes the verified record for an identity
func (r *VerificationRepository) DeleteVerified(ctx context.Context, id entities.Identity) error {
	return r.delete(ctx, "delete_verified", r.tables.Verified, id)
}

// ListVerified retrieves the verified records of one community
func (r *VerificationRepository) ListVerified(ctx context.Context, communityID string) ([]*entities.VerifiedRecord, error) {
	items, err := r.queryCommunity(ctx, "list_verified", r.tables.Verified, communityID)
	if err != nil {
		return nil, err
	}
	var out []*entities.VerifiedRecord
	if err := attributevalue.UnmarshalListOfMaps(items, &out); err != nil {
		return nil, fmt.Errorf("unmarshal verified: %w", err)
	}
	for _, v := range out {
		v.VerifiedAt = v.VerifiedAt.UTC()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].VerifiedAt.Before(out[j].VerifiedAt) })
	return out, nil
}

// SaveCommunityConfig creates or overwrites a community's settings
func (r *VerificationRepository) SaveCommunityConfig(ctx context.Context, cfg *entities.CommunityConfig) error {
	return r.put(ctx, "save_community_config", r.tables.Communities, cfg)
}

// GetCommunityConfig retrieves a community's settings
func (r *VerificationRepository) GetCommunityConfig(ctx context.Context, communityID string) (*entities.CommunityConfig, error) {
	var cfg entities.CommunityConfig
	found, err := r.get(ctx, "get_community_config", r.tables.Communities, strKey(attrCommunityID, communityID), &cfg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, repositories.ErrCommunityConfigNotFound
	}
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return &cfg, nil
}
