package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamConfigKey returns the cache key for an exam's full definition
func (r *CacheKeyStruct) ExamConfigKey(examID string) string {
	return fmt.Sprintf("exam:%s:config", examID)
}

// QuestionSetKey returns the cache key for shared question set content
func (r *CacheKeyStruct) QuestionSetKey(setID string) string {
	return fmt.Sprintf("question_set:%s", setID)
}

// AttemptCheckpointKey returns the cache key for an attempt's resume checkpoint
func (r *CacheKeyStruct) AttemptCheckpointKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:checkpoint", attemptID)
}

// AttemptOwnerKey returns the cache key holding the exam and candidate of an attempt
func (r *CacheKeyStruct) AttemptOwnerKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:owner", attemptID)
}

// AttemptSubmissionKey returns the cache key holding an attempt's submitted result
func (r *CacheKeyStruct) AttemptSubmissionKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:submission", attemptID)
}

// CandidateActiveAttemptKey returns the cache key for a candidate's live attempt
func (r *CacheKeyStruct) CandidateActiveAttemptKey(candidateID string) string {
	return fmt.Sprintf("candidate:%s:active_attempt", candidateID)
}

var CacheKey = NewCacheKeyStruct()
