package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	pkJob   = "JOB#"
	pkFP    = "FP#"
	pkDraft = "DRAFT#"
	skMeta  = "META"
	skSlot  = "SLOT#"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
// *dynamodb.Client satisfies it; tests substitute a fake.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoStore implements JobStore using AWS DynamoDB.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// Compile-time interface check.
var _ JobStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

// --- Internal helpers ---

func jobPK(jobID string) string         { return pkJob + jobID }
func fingerprintPK(fp string) string    { return pkFP + fp }
func draftPK(draftID string) string     { return pkDraft + draftID }
func slotSK(slotID string) string       { return skSlot + slotID }
func (s *DynamoStore) expiresAt() int64 { return s.now().Add(JobTTL).Unix() }

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// putItem marshals a domain object and writes it with PK, SK and, when ttl
// is set, the expiresAt attribute.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data interface{}, ttl bool) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	if ttl {
		item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.expiresAt(), 10)}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// getItem reads a single item and unmarshals it into out.
// Returns false if the item does not exist (out is not modified).
func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// --- Job operations ---

func (s *DynamoStore) PutJob(ctx context.Context, job *JobRecord) error {
	now := s.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := s.putItem(ctx, jobPK(job.ID), skMeta, job, true); err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}

	log.Debug().
		Str("jobId", job.ID).
		Str("status", string(job.Status)).
		Str("feature", job.Feature).
		Bool("fingerprinted", job.Fingerprint != "").
		Msg("Job persisted")
	return nil
}

func (s *DynamoStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	var job JobRecord
	found, err := s.getItem(ctx, jobPK(jobID), skMeta, &job)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if !found {
		log.Debug().Str("jobId", jobID).Bool("found", false).Msg("GetJob: job not found")
		return nil, nil
	}
	job.ID = jobID
	return &job, nil
}

func (s *DynamoStore) UpdateJobStatus(ctx context.Context, jobID string, update JobUpdate) (bool, error) {
	if !update.Status.Valid() {
		return false, fmt.Errorf("update job %s: invalid status %q", jobID, update.Status)
	}

	expr := "SET #s = :s, updatedAt = :u"
	values := map[string]types.AttributeValue{
		":s":         &types.AttributeValueMemberS{Value: string(update.Status)},
		":u":         &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)},
		":completed": &types.AttributeValueMemberS{Value: string(StatusCompleted)},
		":failed":    &types.AttributeValueMemberS{Value: string(StatusFailed)},
	}
	if update.OutputURL != "" {
		expr += ", outputUrl = :o"
		values[":o"] = &types.AttributeValueMemberS{Value: update.OutputURL}
	}
	if update.Error != "" {
		expr += ", #e = :e"
		values[":e"] = &types.AttributeValueMemberS{Value: update.Error}
	}
	names := map[string]string{
		"#s": "status", // "status" is a DynamoDB reserved word
	}
	cond := "attribute_exists(PK) AND NOT (#s IN (:completed, :failed))"
	if update.Status == StatusQueued {
		cond += " AND #s <> :processing"
		values[":processing"] = &types.AttributeValueMemberS{Value: string(StatusProcessing)}
	}
	if update.Error != "" {
		names["#e"] = "error"
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       itemKey(jobPK(jobID), skMeta),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			log.Debug().
				Str("jobId", jobID).
				Str("status", string(update.Status)).
				Msg("Job update rejected: missing, terminal or stale")
			return false, nil
		}
		return false, fmt.Errorf("update job %s -> %s: %w", jobID, update.Status, err)
	}

	log.Debug().Str("jobId", jobID).Str("status", string(update.Status)).Msg("Job status updated")
	return true, nil
}

// fingerprintPointer is the FP#{sha256} item: the job a fingerprint resolves to.
type fingerprintPointer struct {
	JobID string `dynamodbav:"jobId"`
}

func (s *DynamoStore) ClaimFingerprint(ctx context.Context, fingerprint, jobID, prevJobID string) (string, error) {
	item, err := attributevalue.MarshalMap(fingerprintPointer{JobID: jobID})
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint pointer: %w", err)
	}
	now := s.now().Unix()
	item["PK"] = &types.AttributeValueMemberS{Value: fingerprintPK(fingerprint)}
	item["SK"] = &types.AttributeValueMemberS{Value: skMeta}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.expiresAt(), 10)}

	// TTL deletion lags expiry, so an expired pointer counts as absent.
	cond := "attribute_not_exists(PK) OR expiresAt < :now"
	values := map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now, 10)},
	}
	if prevJobID != "" {
		cond += " OR jobId = :prev"
		values[":prev"] = &types.AttributeValueMemberS{Value: prevJobID}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 &s.tableName,
		Item:                      item,
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeValues: values,
	})
	if err == nil {
		log.Debug().Str("jobId", jobID).Str("fingerprint", fingerprint).Msg("Fingerprint claimed")
		return jobID, nil
	}
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return "", fmt.Errorf("claim fingerprint for job %s: %w", jobID, err)
	}

	var winner fingerprintPointer
	found, err := s.getItem(ctx, fingerprintPK(fingerprint), skMeta, &winner)
	if err != nil {
		return "", fmt.Errorf("read fingerprint winner: %w", err)
	}
	if !found || winner.JobID == "" {
		return "", fmt.Errorf("claim fingerprint for job %s: pointer vanished after conflict", jobID)
	}
	log.Debug().
		Str("jobId", jobID).
		Str("winner", winner.JobID).
		Msg("Fingerprint already claimed by a concurrent submission")
	return winner.JobID, nil
}

func (s *DynamoStore) GetJobByFingerprint(ctx context.Context, fingerprint string) (*JobRecord, error) {
	var pointer fingerprintPointer
	found, err := s.getItem(ctx, fingerprintPK(fingerprint), skMeta, &pointer)
	if err != nil {
		return nil, fmt.Errorf("get fingerprint %s: %w", fingerprint, err)
	}
	if !found || pointer.JobID == "" {
		return nil, nil
	}
	return s.GetJob(ctx, pointer.JobID)
}

// --- Draft slot operations ---

func (s *DynamoStore) PutSlotResult(ctx context.Context, slot *SlotResult) error {
	if slot.DraftID == "" || slot.SlotID == "" {
		return fmt.Errorf("put slot result: draftId and slotId are required")
	}
	slot.UpdatedAt = s.now().Unix()
	if err := s.putItem(ctx, draftPK(slot.DraftID), slotSK(slot.SlotID), slot, false); err != nil {
		return fmt.Errorf("put slot result %s/%s: %w", slot.DraftID, slot.SlotID, err)
	}
	log.Debug().
		Str("draftId", slot.DraftID).
		Str("slotId", slot.SlotID).
		Str("jobId", slot.JobID).
		Msg("Slot result persisted")
	return nil
}

func (s *DynamoStore) GetSlotResult(ctx context.Context, draftID, slotID string) (*SlotResult, error) {
	var slot SlotResult
	found, err := s.getItem(ctx, draftPK(draftID), slotSK(slotID), &slot)
	if err != nil {
		return nil, fmt.Errorf("get slot result %s/%s: %w", draftID, slotID, err)
	}
	if !found {
		return nil, nil
	}
	slot.DraftID = draftID
	slot.SlotID = slotID
	return &slot, nil
}
