package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all graph rows.
func (s *GraphStore) TruncateForTest(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE tg_entities, tg_relationships, tg_reports"); err != nil {
		return fmt.Errorf("postgres: failed to truncate graph: %w", err)
	}
	return nil
}
