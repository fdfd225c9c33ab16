package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/trakgo/blobstore"
)

// CurrentName is the blob name whose writes are committed through DynamoDB.
const CurrentName = blobstore.CurrentName

// ErrConcurrentModification is returned when another writer committed the
// same or a later snapshot sequence.
var ErrConcurrentModification = blobstore.ErrConflict

// DDBCommitStore implements blobstore.BlobStore backed by S3 with DynamoDB
// for atomic CURRENT commits, so that two machines archiving the same run
// never overwrite each other's snapshot pointer.
//
// Every blob except CURRENT goes to S3. Each commit is an item keyed by the
// snapshot sequence; reading CURRENT returns the pointer with the highest
// sequence, so a late commit of an older snapshot can never move CURRENT
// backwards.
//
// Table schema:
//   - Partition key: base_uri (string) - the S3 prefix/path
//   - Sort key: version (number) - the archive snapshot sequence
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name trakgo-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	s3Store   *Store
	ddbClient DDBClient
	tableName string
	baseURI   string
}

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// NewDDBCommitStore creates a new S3+DynamoDB commit store.
// baseURI ("s3://bucket/prefix") is the partition key, so one table can
// hold the commit history of many runs.
func NewDDBCommitStore(s3Store *Store, ddbClient DDBClient, tableName, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		s3Store:   s3Store,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

// Open opens a blob for reading. CURRENT is served from DynamoDB.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if name != CurrentName {
		return s.s3Store.Open(ctx, name)
	}
	commits, err := s.commits(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, blobstore.ErrNotFound
	}
	return pointerBlob(commits[0].pointer), nil
}

// Put writes a blob. A write of CURRENT commits the next sequence after the
// latest one.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if name != CurrentName {
		return s.s3Store.Put(ctx, name, data)
	}
	commits, err := s.commits(ctx, 1)
	if err != nil {
		return err
	}
	var seq uint64 = 1
	if len(commits) > 0 {
		seq = commits[0].seq + 1
	}
	return s.putCommit(ctx, seq, string(data))
}

// CommitCurrent implements blobstore.Committer.
func (s *DDBCommitStore) CommitCurrent(ctx context.Context, seq uint64, pointer string) error {
	commits, err := s.commits(ctx, 1)
	if err != nil {
		return err
	}
	if len(commits) > 0 && commits[0].seq >= seq {
		return ErrConcurrentModification
	}
	return s.putCommit(ctx, seq, pointer)
}

// Create creates a writable blob.
func (s *DDBCommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	return s.s3Store.Create(ctx, name)
}

// Delete deletes a blob.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	return s.s3Store.Delete(ctx, name)
}

// List lists blobs with prefix.
func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.s3Store.List(ctx, prefix)
}

type commit struct {
	seq     uint64
	pointer string
}

// commits returns up to limit commits, newest first. limit <= 0 returns all.
func (s *DDBCommitStore) commits(ctx context.Context, limit int) ([]commit, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.baseURI},
		},
		ConsistentRead:   aws.Bool(true),
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	var out []commit
	for {
		resp, err := s.ddbClient.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("ddb: query commits: %w", err)
		}
		for _, item := range resp.Items {
			c, err := parseCommit(item)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		if len(resp.LastEvaluatedKey) == 0 || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		in.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}

func parseCommit(item map[string]types.AttributeValue) (commit, error) {
	v, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return commit{}, errors.New("ddb: commit item without version")
	}
	p, ok := item["pointer"].(*types.AttributeValueMemberS)
	if !ok {
		return commit{}, errors.New("ddb: commit item without pointer")
	}
	seq, err := strconv.ParseUint(v.Value, 10, 64)
	if err != nil {
		return commit{}, fmt.Errorf("ddb: commit version %q: %w", v.Value, err)
	}
	return commit{seq: seq, pointer: p.Value}, nil
}

// putCommit writes the item for seq unless it already exists.
func (s *DDBCommitStore) putCommit(ctx context.Context, seq uint64, pointer string) error {
	_, err := s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: s.baseURI},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(seq, 10)},
			"pointer":  &types.AttributeValueMemberS{Value: pointer},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("ddb: commit %d: %w", seq, err)
	}
	return nil
}

// pointerBlob serves CURRENT from a commit item.
type pointerBlob string

func (b pointerBlob) Close() error { return nil }

func (b pointerBlob) Size() int64 { return int64(len(b)) }

func (b pointerBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	return strings.NewReader(string(b)).ReadAt(p, off)
}

func (b pointerBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off > int64(len(b)) {
		return nil, io.EOF
	}
	end := min(off+max(length, 0), int64(len(b)))
	return io.NopCloser(strings.NewReader(string(b[off:end]))), nil
}
