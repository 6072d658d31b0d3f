// Package metadata persists volume metadata in a leveldb datastore.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/pyropy/mirror/core/model"
)

var ErrVolumeNotFound = errors.New("volume not found")

type Store struct {
	Volumes *dslvl.Datastore
}

func NewStore(dsPath string) (*Store, error) {
	p := fmt.Sprintf("%s/volumes", dsPath)
	store, err := dslvl.NewDatastore(p, nil)
	if err != nil {
		return nil, err
	}

	return &Store{
		Volumes: store,
	}, nil
}

// Save writes metadata unless the stored copy is already newer.
func (s *Store) Save(ctx context.Context, metadata model.VolumeMetadata) error {
	current, err := s.Get(ctx, metadata.ID)
	if err != nil && !errors.Is(err, ErrVolumeNotFound) {
		return err
	}

	if current != nil && current.Version > metadata.Version {
		return nil
	}

	b, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	return s.Volumes.Put(ctx, key(metadata.ID), b)
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.VolumeMetadata, error) {
	b, err := s.Volumes.Get(ctx, key(id))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVolumeNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var metadata model.VolumeMetadata
	err = json.Unmarshal(b, &metadata)
	if err != nil {
		return nil, err
	}

	return &metadata, nil
}

func (s *Store) All(ctx context.Context) ([]model.VolumeMetadata, error) {
	q := dsq.Query{}
	volumes := make([]model.VolumeMetadata, 0)

	res, err := s.Volumes.Query(ctx, q)
	if err != nil {
		return volumes, err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}

		if r.Error != nil {
			return volumes, r.Error
		}

		var metadata model.VolumeMetadata
		err = json.Unmarshal(r.Value, &metadata)
		if err != nil {
			return volumes, err
		}
		volumes = append(volumes, metadata)
	}

	return volumes, nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	return s.Volumes.Delete(ctx, key(id))
}

func (s *Store) Close() error {
	return s.Volumes.Close()
}

func key(id uuid.UUID) ds.Key {
	return ds.NewKey(id.String())
}
