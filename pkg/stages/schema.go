package stages

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/pipeline"
	"github.com/wehubfusion/Daedalus/pkg/sqlexec"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// GenerateDBSchema reads the database schema of the question
type GenerateDBSchema struct {
	deps Deps
}

func (s *GenerateDBSchema) Name() pipeline.StageName {
	return pipeline.StageGenerateDBSchema
}

func (s *GenerateDBSchema) Run(ctx context.Context, t *task.Task, _ pipeline.History) (map[string]any, error) {
	load := func(ctx context.Context) (sqlexec.Schema, error) {
		schema, err := s.deps.DB.Schema(ctx, t.DBID)
		if err != nil {
			return sqlexec.Schema{}, err
		}
		return *schema, nil
	}

	var (
		schema sqlexec.Schema
		err    error
	)
	if s.deps.SchemaCache != nil {
		schema, err = s.deps.SchemaCache.GetOrLoad(ctx, t.DBID, load)
	} else {
		schema, err = load(ctx)
	}
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"db_list":   schema.TableNames(),
		"db_schema": schema.DDL(),
		"columns":   schema.QualifiedColumns(),
	}, nil
}
