// Package app assembles the orchestrator and the sandbox backend from process
// settings.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"wlagent/internal/agent"
	"wlagent/internal/config"
	"wlagent/internal/credentials"
	"wlagent/internal/db"
	"wlagent/internal/domain"
	"wlagent/internal/engine"
	"wlagent/internal/engine/auth"
	"wlagent/internal/gate"
	"wlagent/internal/migrate"
	"wlagent/internal/orchestrator"
	"wlagent/internal/server"
	"wlagent/internal/state"
	"wlagent/internal/workline"
)

const (
	DefaultBaseURL   = "http://127.0.0.1:8080"
	DefaultProjectID = "example"
	DefaultBasePath  = "/v0"
)

// Identity is the credential pair of one role.
type Identity struct {
	APIKey      string
	AccessToken string
}

// Settings are the process-level knobs, read from WORKLINE_* variables and
// flags.
type Settings struct {
	BaseURL    string
	ProjectID  string
	ActorID    string
	Shared     Identity
	Roles      map[domain.Role]Identity
	ReviewMode string
	ConfigPath string

	Model        string
	ModelBaseURL string
	OpenAIKey    string
}

// SettingsFromViper reads settings from v. Role credentials fall back to the
// shared ones when unset.
func SettingsFromViper(v *viper.Viper) Settings {
	s := Settings{
		BaseURL:      v.GetString("base_url"),
		ProjectID:    v.GetString("project_id"),
		ActorID:      v.GetString("actor_id"),
		Shared:       Identity{APIKey: v.GetString("api_key"), AccessToken: v.GetString("access_token")},
		Roles:        map[domain.Role]Identity{},
		ReviewMode:   v.GetString("human_review_mode"),
		ConfigPath:   v.GetString("config"),
		Model:        v.GetString("model"),
		ModelBaseURL: v.GetString("model_base_url"),
		OpenAIKey:    v.GetString("openai_api_key"),
	}
	if s.BaseURL == "" {
		s.BaseURL = DefaultBaseURL
	}
	if s.ProjectID == "" {
		s.ProjectID = DefaultProjectID
	}
	if s.ReviewMode == "" {
		s.ReviewMode = gate.ModeInteractive
	}
	for _, role := range []domain.Role{domain.RolePlanner, domain.RoleExecutor, domain.RoleReviewer} {
		prefix := string(role) + "_"
		s.Roles[role] = Identity{
			APIKey:      v.GetString(prefix + "api_key"),
			AccessToken: v.GetString(prefix + "access_token"),
		}
	}
	return s
}

// Identity returns the credentials of role with the shared fallback applied.
func (s Settings) Identity(role domain.Role) Identity {
	id := s.Roles[role]
	if id.APIKey == "" {
		id.APIKey = s.Shared.APIKey
	}
	if id.AccessToken == "" {
		id.AccessToken = s.Shared.AccessToken
	}
	return id
}

// Client builds the project client for role.
func (s Settings) Client(role domain.Role, logger *zap.Logger) *workline.Client {
	id := s.Identity(role)
	c := workline.New(s.BaseURL, s.ProjectID)
	c.APIKey = id.APIKey
	c.BearerToken = id.AccessToken
	c.ActorID = s.ActorID
	c.Logger = logger.With(zap.String("role", string(role)))
	return c
}

// Router wires the three role clients.
func (s Settings) Router(logger *zap.Logger) *credentials.Router {
	return credentials.NewRouter(
		s.Client(domain.RolePlanner, logger),
		s.Client(domain.RoleExecutor, logger),
		s.Client(domain.RoleReviewer, logger),
	)
}

// NewRunner builds the phase runner from the model section of cfg. A model
// named in settings overrides the workflow file.
func NewRunner(cfg *config.Config, s Settings, logger *zap.Logger) (*agent.Runner, error) {
	name := cfg.Model.Name
	if s.Model != "" {
		name = s.Model
	}
	model, err := agent.NewOpenAI(name, s.ModelBaseURL, s.OpenAIKey)
	if err != nil {
		return nil, err
	}
	strategies, err := agent.StrategiesFromNames(cfg.Model.Strategies, cfg.Model.MaxIterations)
	if err != nil {
		return nil, err
	}
	opts := []agent.Option{agent.WithTemperature(cfg.Model.Temperature), agent.WithLogger(logger)}
	if len(strategies) > 0 {
		opts = append(opts, agent.WithStrategies(strategies...))
	}
	return agent.New(model, opts...), nil
}

// NewAccessor builds the state accessor over the role clients.
func NewAccessor(cfg *config.Config, s Settings, logger *zap.Logger) *state.Accessor {
	return state.New(s.Router(logger),
		state.WithLogger(logger),
		state.WithPageSize(cfg.Delivery.TaskListLimit),
	)
}

// NewOrchestrator wires accessor, console gate and runner together.
func NewOrchestrator(cfg *config.Config, s Settings, runner orchestrator.PhaseRunner, logger *zap.Logger) *orchestrator.Orchestrator {
	acc := NewAccessor(cfg, s, logger)
	g := gate.Stdio(acc, cfg.ProblemItemID(), gate.WithMode(s.ReviewMode), gate.WithLogger(logger))
	return orchestrator.New(cfg, acc, g, runner, orchestrator.WithLogger(logger))
}

// Sandbox is an opened stand-in backend.
type Sandbox struct {
	Engine  engine.Engine
	Handler http.Handler
	conn    *sql.DB
}

func (s *Sandbox) Close() error {
	return s.conn.Close()
}

// SandboxOptions configure OpenSandbox.
type SandboxOptions struct {
	Workspace        string
	BasePath         string
	JWTSecret        string
	AllowActorHeader bool
}

// OpenSandbox migrates the workspace database, seeds the configured actors
// and builds the HTTP handler.
func OpenSandbox(ctx context.Context, cfg *config.Config, opts SandboxOptions, logger *zap.Logger) (*Sandbox, error) {
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate sandbox: %w", err)
	}
	if applied > 0 {
		logger.Info("sandbox migrated", zap.Int("applied", applied), zap.String("db", db.Path(opts.Workspace)))
	}
	e := engine.New(conn, engine.Config{
		IterationApproval: cfg.Sandbox.IterationApproval,
		Authorities:       auth.Authorities(cfg.Sandbox.AttestationAuthorities),
	})
	for _, a := range cfg.Sandbox.Actors {
		if err := e.SeedActor(ctx, engine.Actor{ID: a.ID, Roles: a.Roles}, a.APIKey); err != nil {
			conn.Close()
			return nil, err
		}
	}
	basePath := opts.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: strings.TrimRight(basePath, "/"),
		Auth: server.AuthConfig{
			JWTSecret:        opts.JWTSecret,
			AllowActorHeader: opts.AllowActorHeader,
			Logger:           logger,
		},
		Logger: logger,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Sandbox{Engine: e, Handler: handler, conn: conn}, nil
}
