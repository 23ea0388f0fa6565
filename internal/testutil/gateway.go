package testutil

import (
	"context"
	"sync"

	"labsync/internal/model"
	"labsync/internal/offline"
)

// FakeGateway is a scriptable offline.Gateway for engine tests. Responses
// are keyed by "table/recordID"; unscripted submissions succeed with the
// submitted payload echoed back at the next version.
type FakeGateway struct {
	mu sync.Mutex

	// SubmitErrs maps "table/recordID" to the error returned for that
	// record's submissions. Entries are consumed per call when
	// ConsumeErrs is true.
	SubmitErrs  map[string]error
	ConsumeErrs bool

	// Records backs FetchRecord.
	Records map[string]*model.LocalRecord

	// PingErr makes Ping fail.
	PingErr error

	// Submitted collects every item the engine transmitted, in order.
	// BaseVersions records the base version sent with each submission.
	Submitted    []*model.QueueItem
	BaseVersions []int64

	versions map[string]int64
}

var _ offline.Gateway = (*FakeGateway)(nil)

// NewFakeGateway creates an empty FakeGateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		SubmitErrs: make(map[string]error),
		Records:    make(map[string]*model.LocalRecord),
		versions:   make(map[string]int64),
	}
}

func gatewayKey(table, recordID string) string {
	return table + "/" + recordID
}

// FailWith scripts an error for a record's submissions.
func (g *FakeGateway) FailWith(table, recordID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.SubmitErrs[gatewayKey(table, recordID)] = err
}

// SetRecord scripts the remote copy returned by FetchRecord.
func (g *FakeGateway) SetRecord(rec *model.LocalRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Records[gatewayKey(rec.Table, rec.ID)] = rec
}

func (g *FakeGateway) SubmitMutation(_ context.Context, item *model.QueueItem, baseVersion int64) (*offline.MutationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.Submitted = append(g.Submitted, item)
	g.BaseVersions = append(g.BaseVersions, baseVersion)

	key := gatewayKey(item.Table, item.RecordID)
	if err, ok := g.SubmitErrs[key]; ok && err != nil {
		if g.ConsumeErrs {
			delete(g.SubmitErrs, key)
		}
		return nil, err
	}

	next := baseVersion + 1
	g.versions[key] = next
	return &offline.MutationResult{
		NewVersion: next,
		ServerData: item.Payload,
	}, nil
}

func (g *FakeGateway) FetchRecord(_ context.Context, table, id string) (*model.LocalRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Records[gatewayKey(table, id)], nil
}

func (g *FakeGateway) Ping(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.PingErr
}

// SubmittedCount returns how many submissions the gateway received.
func (g *FakeGateway) SubmittedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Submitted)
}
