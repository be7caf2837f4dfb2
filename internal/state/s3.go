package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/windlass-io/windlass/internal/ir"
	"github.com/windlass-io/windlass/internal/logging"
)

// s3Store implements Store on AWS: state documents live in an S3 bucket and
// lease locks are DynamoDB items claimed with a conditional put, so the
// exactly-one-winner guarantee holds across hosts.
type s3Store struct {
	bucket  string
	prefix  string
	region  string
	table   string
	profile string
	encrypt bool

	s3Client *s3.Client
	dbClient *dynamodb.Client
}

func newS3Store(options map[string]string) (Store, error) {
	bucket := options["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 state backend requires 'bucket'")
	}
	table := options["dynamodb_table"]
	if table == "" {
		return nil, fmt.Errorf("s3 state backend requires 'dynamodb_table' for locking")
	}

	prefix := options["prefix"]
	if prefix == "" {
		prefix = "windlass/state"
	}
	region := options["region"]
	if region == "" {
		region = "us-east-1"
	}

	s := &s3Store{
		bucket:  bucket,
		prefix:  prefix,
		region:  region,
		table:   table,
		profile: options["profile"],
		encrypt: options["encrypt"] == "true",
	}

	if err := s.initClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize s3 state backend: %w", err)
	}
	return s, nil
}

func (s *s3Store) initClients() error {
	ctx := context.Background()

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(s.region))
	if s.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(s.profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load AWS config: %w", err)
	}

	s.s3Client = s3.NewFromConfig(cfg)
	s.dbClient = dynamodb.NewFromConfig(cfg)
	return nil
}

func (s *s3Store) scopeKey(scope string) string {
	if scope == "" {
		scope = DefaultScope
	}
	return path.Join(s.prefix, scope)
}

func (s *s3Store) stateKey(scope string) string {
	return path.Join(s.scopeKey(scope), stateFileName)
}

// AcquireLock claims the scope's lock item with a conditional put that
// succeeds when no item exists or the recorded lease has expired, which is
// the cross-host equivalent of the local store's reclaim.
func (s *s3Store) AcquireLock(ctx context.Context, scope string, opts LockOptions) (*Lock, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	now := time.Now().UTC()
	lock := &Lock{
		Token:     uuid.NewString(),
		Scope:     scope,
		Who:       opts.Who,
		Operation: opts.Operation,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if lock.Who == "" {
		host, _ := os.Hostname()
		lock.Who = fmt.Sprintf("%s/pid-%d", host, os.Getpid())
	}

	_, err := s.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":    &dbtypes.AttributeValueMemberS{Value: s.scopeKey(scope)},
			"Token":     &dbtypes.AttributeValueMemberS{Value: lock.Token},
			"Who":       &dbtypes.AttributeValueMemberS{Value: lock.Who},
			"Operation": &dbtypes.AttributeValueMemberS{Value: lock.Operation},
			"CreatedAt": &dbtypes.AttributeValueMemberS{Value: lock.CreatedAt.Format(time.RFC3339)},
			"ExpiresAt": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(lock.ExpiresAt.Unix(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID) OR ExpiresAt < :now"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":now": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			if cur, lerr := s.readLock(ctx, scope); lerr == nil {
				return nil, fmt.Errorf("%w: held by %s for %q until %s (token %s)",
					ErrLockContention, cur.Who, cur.Operation,
					cur.ExpiresAt.Format(time.RFC3339), cur.Token)
			}
			return nil, fmt.Errorf("%w: scope %q", ErrLockContention, scope)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return lock, nil
}

// ReleaseLock deletes the lock item, conditioned on the token still being
// the one we hold.
func (s *s3Store) ReleaseLock(ctx context.Context, scope, token string) error {
	if err := s.deleteLock(ctx, scope, token); err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("%w: lock on scope %q is not held with this token", ErrStaleToken, scope)
		}
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ForceUnlock removes the lock item regardless of lease expiry, still
// requiring the token to match.
func (s *s3Store) ForceUnlock(ctx context.Context, scope, token string) error {
	if err := s.deleteLock(ctx, scope, token); err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("lock token mismatch on scope %q", scope)
		}
		return fmt.Errorf("failed to force-unlock: %w", err)
	}
	logging.Warn("state lock force-unlocked", "scope", scope)
	return nil
}

func (s *s3Store) deleteLock(ctx context.Context, scope, token string) error {
	_, err := s.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.scopeKey(scope)},
		},
		ConditionExpression: aws.String("#tok = :token"),
		ExpressionAttributeNames: map[string]string{
			"#tok": "Token",
		},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":token": &dbtypes.AttributeValueMemberS{Value: token},
		},
	})
	return err
}

func (s *s3Store) readLock(ctx context.Context, scope string) (*Lock, error) {
	out, err := s.dbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.scopeKey(scope)},
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, os.ErrNotExist
	}

	lock := &Lock{Scope: scope}
	if v, ok := out.Item["Token"].(*dbtypes.AttributeValueMemberS); ok {
		lock.Token = v.Value
	}
	if v, ok := out.Item["Who"].(*dbtypes.AttributeValueMemberS); ok {
		lock.Who = v.Value
	}
	if v, ok := out.Item["Operation"].(*dbtypes.AttributeValueMemberS); ok {
		lock.Operation = v.Value
	}
	if v, ok := out.Item["CreatedAt"].(*dbtypes.AttributeValueMemberS); ok {
		lock.CreatedAt, _ = time.Parse(time.RFC3339, v.Value)
	}
	if v, ok := out.Item["ExpiresAt"].(*dbtypes.AttributeValueMemberN); ok {
		if unix, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			lock.ExpiresAt = time.Unix(unix, 0).UTC()
		}
	}
	return lock, nil
}

// ReadState loads the state object. A missing key yields a fresh empty state.
func (s *s3Store) ReadState(ctx context.Context, scope string) (*ir.State, error) {
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.stateKey(scope)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return ir.NewState(), nil
		}
		return nil, fmt.Errorf("failed to read state from s3://%s/%s: %w", s.bucket, s.stateKey(scope), err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return decodeState(buf.Bytes())
}

// WriteState validates the lease and serial, then lands the per-serial
// version followed by the live object.
func (s *s3Store) WriteState(ctx context.Context, scope string, st *ir.State, token string) error {
	if err := s.checkToken(ctx, scope, token); err != nil {
		return err
	}

	cur, err := s.ReadState(ctx, scope)
	if err != nil {
		return err
	}
	if st.Serial != cur.Serial+1 {
		return fmt.Errorf("%w: writing serial %d over stored serial %d (want %d)",
			ErrSerialConflict, st.Serial, cur.Serial, cur.Serial+1)
	}

	payload, err := encodeState(st)
	if err != nil {
		return err
	}

	versionKey := path.Join(s.scopeKey(scope), versionsDirName, fmt.Sprintf("%06d.json", st.Serial))
	if err := s.putObject(ctx, versionKey, payload); err != nil {
		return fmt.Errorf("failed to write state version: %w", err)
	}
	if err := s.putObject(ctx, s.stateKey(scope), payload); err != nil {
		return fmt.Errorf("failed to write state to s3://%s/%s: %w", s.bucket, s.stateKey(scope), err)
	}
	return nil
}

func (s *s3Store) putObject(ctx context.Context, key string, payload []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	}
	if s.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}
	_, err := s.s3Client.PutObject(ctx, input)
	return err
}

func (s *s3Store) checkToken(ctx context.Context, scope, token string) error {
	cur, err := s.readLock(ctx, scope)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: no lock held on scope %q", ErrStaleToken, scope)
		}
		return fmt.Errorf("failed to read lock item: %w", err)
	}
	if cur.Token != token {
		return fmt.Errorf("%w: lock on scope %q is held by %s", ErrStaleToken, scope, cur.Who)
	}
	if cur.Expired(time.Now().UTC()) {
		return fmt.Errorf("%w: lease on scope %q expired at %s",
			ErrStaleToken, scope, cur.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// isConditionalCheckFailed reports whether err is DynamoDB telling us a
// conditional expression did not hold.
func isConditionalCheckFailed(err error) bool {
	var ccf *dbtypes.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

// isNoSuchKey reports whether err is S3 telling us the object is absent.
func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
