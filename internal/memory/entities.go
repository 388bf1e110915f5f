package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/untoldecay/hive/internal/types"
)

// UpsertEntity returns the entity with the given (name, type), creating it
// if absent. Canonical name is refreshed when provided.
func (s *Store) UpsertEntity(ctx context.Context, name, entityType, canonicalName string) (*types.Entity, error) {
	if name == "" || entityType == "" {
		return nil, fmt.Errorf("%w: entity name and type required", types.ErrInvalid)
	}
	var ent types.Entity
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var canonical sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT id, canonical_name FROM entities WHERE name = ? AND entity_type = ?
		`, name, entityType).Scan(&ent.ID, &canonical)
		switch {
		case err == sql.ErrNoRows:
			ent.ID = uuid.NewString()
			ent.CanonicalName = canonicalName
			_, err = tx.ExecContext(ctx, `
				INSERT INTO entities (id, name, entity_type, canonical_name)
				VALUES (?, ?, ?, ?)
			`, ent.ID, name, entityType, canonicalName)
			return err
		case err != nil:
			return err
		}
		ent.CanonicalName = canonical.String
		if canonicalName != "" && canonicalName != canonical.String {
			ent.CanonicalName = canonicalName
			_, err = tx.ExecContext(ctx,
				`UPDATE entities SET canonical_name = ? WHERE id = ?`, canonicalName, ent.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ent.Name = name
	ent.EntityType = entityType
	return &ent, nil
}

// AddRelationship records a subject-predicate-object triple. Duplicate
// triples return the existing row.
func (s *Store) AddRelationship(ctx context.Context, subjectID, predicate, objectID, memoryID string, confidence float64) (*types.Relationship, error) {
	if predicate == "" {
		return nil, fmt.Errorf("%w: empty predicate", types.ErrInvalid)
	}
	confidence = clamp01(confidence)
	rel := &types.Relationship{
		SubjectEntityID: subjectID,
		Predicate:       predicate,
		ObjectEntityID:  objectID,
		MemoryID:        memoryID,
		Confidence:      confidence,
	}
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM relationships
			WHERE subject_entity_id = ? AND predicate = ? AND object_entity_id = ?
		`, subjectID, predicate, objectID).Scan(&rel.ID)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}
		rel.ID = uuid.NewString()
		var memory interface{}
		if memoryID != "" {
			memory = memoryID
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO relationships
				(id, subject_entity_id, predicate, object_entity_id, memory_id, confidence)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rel.ID, subjectID, predicate, objectID, memory, confidence)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// TagMemoryEntity attaches an entity to a memory with a role. Idempotent.
func (s *Store) TagMemoryEntity(ctx context.Context, memoryID, entityID, role string) error {
	_, err := s.db.Exec(ctx, `
		INSERT OR IGNORE INTO memory_entities (memory_id, entity_id, role)
		VALUES (?, ?, ?)
	`, memoryID, entityID, role)
	return err
}

// EntitiesFor returns the entities attached to a memory.
func (s *Store) EntitiesFor(ctx context.Context, memoryID string) ([]types.Entity, error) {
	rows, err := s.db.Query(ctx, `
		SELECT e.id, e.name, e.entity_type, e.canonical_name
		FROM memory_entities me
		JOIN entities e ON e.id = me.entity_id
		WHERE me.memory_id = ?
		ORDER BY e.name
	`, memoryID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []types.Entity
	for rows.Next() {
		var e types.Entity
		var canonical sql.NullString
		if err := rows.Scan(&e.ID, &e.Name, &e.EntityType, &canonical); err != nil {
			return nil, err
		}
		e.CanonicalName = canonical.String
		out = append(out, e)
	}
	return out, rows.Err()
}
