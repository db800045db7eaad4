package batch_test

import (
	"context"
	"errors"

	"github.com/jacentio/tessera/backend"
)

// fakeScope records applied mutations and fails on demand.
type fakeScope struct {
	applied   []backend.Mutation
	generate  func(m backend.Mutation) any
	failOn    func(m backend.Mutation) error
	committed bool
	rolled    bool
}

func (s *fakeScope) Apply(ctx context.Context, m backend.Mutation) (backend.Result, error) {
	if s.failOn != nil {
		if err := s.failOn(m); err != nil {
			return backend.Result{}, err
		}
	}
	s.applied = append(s.applied, m)
	var res backend.Result
	if s.generate != nil {
		res.Generated = s.generate(m)
	}
	return res, nil
}

func (s *fakeScope) Commit(ctx context.Context) error {
	s.committed = true
	return nil
}

func (s *fakeScope) Rollback(ctx context.Context) error {
	s.rolled = true
	return nil
}

// countingBackend wraps a fakeScope and counts Begin calls.
type countingBackend struct {
	scope     *fakeScope
	begins    int
	beginErr  error
	commitErr error
}

func (b *countingBackend) Begin(ctx context.Context) (backend.Scope, error) {
	b.begins++
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	if b.commitErr != nil {
		return &failingCommitScope{fakeScope: b.scope, err: b.commitErr}, nil
	}
	return b.scope, nil
}

type failingCommitScope struct {
	*fakeScope
	err error
}

func (s *failingCommitScope) Commit(ctx context.Context) error {
	return s.err
}

var errBackend = errors.New("backend unavailable")
