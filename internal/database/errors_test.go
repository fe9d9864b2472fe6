package database

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassPermanent},
		{"serialization failure", &pq.Error{Code: "40001"}, ErrorClassSerialization},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrorClassDeadlock},
		{"lock not available", &pq.Error{Code: "55P03"}, ErrorClassTransient},
		{"unique violation", &pq.Error{Code: "23505"}, ErrorClassPermanent},
		{"foreign key violation", &pq.Error{Code: "23503"}, ErrorClassPermanent},
		{"no rows", sql.ErrNoRows, ErrorClassPermanent},
		{"plain error", errors.New("boom"), ErrorClassPermanent},
		{"wrapped deadlock", fmt.Errorf("update: %w", &pq.Error{Code: "40P01"}), ErrorClassDeadlock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&pq.Error{Code: "40001"}) {
		t.Error("Serialization failures should be retryable")
	}
	if !IsRetryable(&pq.Error{Code: "40P01"}) {
		t.Error("Deadlocks should be retryable")
	}
	if IsRetryable(&pq.Error{Code: "23505"}) {
		t.Error("Unique violations should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}
