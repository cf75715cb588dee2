package queue

import (
	"errors"
	"testing"

	"github.com/hibiken/asynq"
)

func TestUnmarshal(t *testing.T) {
	task := asynq.NewTask(TypeSyncPackage, marshal(SyncPackagePayload{Name: "left-pad", Seq: 42}))

	pl, err := Unmarshal[SyncPackagePayload](task)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if pl.Name != "left-pad" || pl.Seq != 42 {
		t.Errorf("unexpected payload: %+v", pl)
	}
}

func TestUnmarshalMalformedSkipsRetry(t *testing.T) {
	task := asynq.NewTask(TypeSyncPackage, []byte("{not json"))

	_, err := Unmarshal[SyncPackagePayload](task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("malformed payload must skip retry, got %v", err)
	}
}
