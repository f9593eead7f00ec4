package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	surrealdb "github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	smodels "github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

// SurrealStore implements Store against SurrealDB over websocket RPC.
// The surrealcbor codec is required for time.Time and RecordID round-trips.
type SurrealStore struct {
	db     *surrealdb.DB
	logger *slog.Logger
}

type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

func NewSurrealStore(ctx context.Context, cfg SurrealConfig, logger *slog.Logger) (*SurrealStore, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse surrealdb url: %w", err)
	}

	conf := connection.NewConfig(u)
	codec := surrealcbor.New()
	conf.Marshaler = codec
	conf.Unmarshaler = codec

	conn := gorillaws.New(conf)
	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to surrealdb: %w", err)
	}

	if cfg.Username != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			return nil, fmt.Errorf("surrealdb authentication failed: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to select surrealdb namespace: %w", err)
	}

	logger.Info("Connected to SurrealDB document store", "ns", cfg.Namespace, "db", cfg.Database)
	return &SurrealStore{db: db, logger: logger}, nil
}

func (s *SurrealStore) Create(ctx context.Context, collection string, doc Doc) (string, error) {
	id := uuid.NewString()
	created, err := surrealdb.Create[Doc](ctx, s.db, smodels.NewRecordID(collection, id), withID(doc, id))
	if err != nil {
		return "", &WriteError{Collection: collection, Op: OpCreate, Err: err}
	}
	if created == nil {
		return "", &WriteError{Collection: collection, Op: OpCreate, Err: fmt.Errorf("empty create response")}
	}
	return id, nil
}

func (s *SurrealStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	doc, err := surrealdb.Select[Doc](ctx, s.db, smodels.NewRecordID(collection, id))
	if err != nil {
		return nil, &ReadError{Collection: collection, Err: err}
	}
	if doc == nil || len(*doc) == 0 {
		return nil, ErrNotFound
	}
	return normalizeDoc(*doc), nil
}

func (s *SurrealStore) Update(ctx context.Context, collection, id string, patch Doc) error {
	// UPDATE on a missing record is a silent no-op in SurrealQL; probe first
	// so a mutation against a deleted document fails with ErrNotFound.
	if _, err := s.Get(ctx, collection, id); err != nil {
		return err
	}

	if _, err := surrealdb.Query[any](ctx, s.db, `UPDATE type::thing($tb, $id) MERGE $patch`, map[string]any{
		"tb":    collection,
		"id":    id,
		"patch": patch,
	}); err != nil {
		return &WriteError{Collection: collection, Op: OpUpdate, Err: err}
	}
	return nil
}

func (s *SurrealStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := surrealdb.Delete[Doc](ctx, s.db, smodels.NewRecordID(collection, id)); err != nil {
		return &WriteError{Collection: collection, Op: OpDelete, Err: err}
	}
	return nil
}

var indexURLPattern = regexp.MustCompile(`https?://\S+`)

func (s *SurrealStore) Query(ctx context.Context, collection string, filter Filter, order *Order) ([]Doc, error) {
	sql := `SELECT * FROM type::table($tb)`
	vars := map[string]any{"tb": collection}

	if len(filter) > 0 {
		var clauses []string
		i := 0
		for field, value := range filter {
			param := fmt.Sprintf("f%d", i)
			clauses = append(clauses, fmt.Sprintf("%s = $%s", field, param))
			vars[param] = value
			i++
		}
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}

	if order != nil {
		dir := "ASC"
		if order.Descending {
			dir = "DESC"
		}
		// Field names come from our own call sites, never from user input.
		sql += fmt.Sprintf(" ORDER BY %s %s", order.Field, dir)
	}

	results, err := surrealdb.Query[[]Doc](ctx, s.db, sql, vars)
	if err != nil {
		if order != nil && strings.Contains(strings.ToLower(err.Error()), "index") {
			return nil, &IndexRequiredError{
				Collection: collection,
				IndexURL:   indexURLPattern.FindString(err.Error()),
				Err:        err,
			}
		}
		return nil, &ReadError{Collection: collection, Err: err}
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}

	docs := (*results)[0].Result
	out := make([]Doc, 0, len(docs))
	for _, d := range docs {
		out = append(out, normalizeDoc(d))
	}
	return out, nil
}

// BatchApply wraps the whole batch in a SurrealQL transaction so a failing
// statement cancels everything before it.
func (s *SurrealStore) BatchApply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	var stmts []string
	vars := make(map[string]any)
	stmts = append(stmts, "BEGIN TRANSACTION")

	for i, op := range ops {
		tb := fmt.Sprintf("tb%d", i)
		id := fmt.Sprintf("id%d", i)
		body := fmt.Sprintf("doc%d", i)
		vars[tb] = op.Collection
		vars[id] = op.ID

		switch op.Kind {
		case OpCreate:
			vars[body] = withID(op.Doc, op.ID)
			stmts = append(stmts, fmt.Sprintf("CREATE type::thing($%s, $%s) CONTENT $%s", tb, id, body))
		case OpUpdate:
			vars[body] = op.Doc
			stmts = append(stmts, fmt.Sprintf("UPDATE type::thing($%s, $%s) MERGE $%s", tb, id, body))
		case OpDelete:
			stmts = append(stmts, fmt.Sprintf("DELETE type::thing($%s, $%s)", tb, id))
		default:
			return &WriteError{Collection: op.Collection, Op: op.Kind, Err: fmt.Errorf("unsupported batch op %q", op.Kind)}
		}
	}

	stmts = append(stmts, "COMMIT TRANSACTION")
	if _, err := surrealdb.Query[any](ctx, s.db, strings.Join(stmts, ";\n")+";", vars); err != nil {
		return &WriteError{Collection: ops[0].Collection, Op: ops[0].Kind, Err: err}
	}
	return nil
}

func (s *SurrealStore) Ping(ctx context.Context) error {
	_, err := surrealdb.Query[any](ctx, s.db, `RETURN 1`, nil)
	return err
}

func (s *SurrealStore) Close() error {
	return s.db.Close(context.Background())
}

// normalizeDoc flattens SurrealDB record ids ("table:id" or RecordID values)
// into the plain string ids the rest of the system uses.
func normalizeDoc(doc Doc) Doc {
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	switch rid := out["id"].(type) {
	case smodels.RecordID:
		out["id"] = fmt.Sprint(rid.ID)
	case *smodels.RecordID:
		if rid != nil {
			out["id"] = fmt.Sprint(rid.ID)
		}
	case string:
		if _, after, found := strings.Cut(rid, ":"); found {
			out["id"] = after
		}
	}
	return out
}
