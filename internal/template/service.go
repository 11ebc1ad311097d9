// Package template stores named report configurations users can re-run.
package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/audit"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/kv"
)

const KeyPrefix = "report_template:"

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrInvalidTemplate  = errors.New("invalid template")
)

// Draft is the caller-editable part of a template.
type Draft struct {
	Name        string              `json:"name" validate:"required,max=120"`
	Description string              `json:"description,omitempty" validate:"max=1000"`
	Config      domain.ReportConfig `json:"config" validate:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (d Draft) Validate() error {
	d.Name = strings.TrimSpace(d.Name)
	if err := validate.Struct(d); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			parts := make([]string, 0, len(fieldErrors))
			for _, fieldError := range fieldErrors {
				parts = append(parts, strings.ToLower(fieldError.Field())+": failed "+fieldError.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidTemplate, strings.Join(parts, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	return d.Config.Validate()
}

type Config struct {
	Now    func() time.Time
	Logger *zap.Logger
}

type Service struct {
	store  kv.Store
	audit  *audit.Logger
	now    func() time.Time
	logger *zap.Logger
}

func NewService(store kv.Store, auditLogger *audit.Logger, config Config) *Service {
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		audit:  auditLogger,
		now:    config.Now,
		logger: config.Logger.With(zap.String("component", "templates")),
	}
}

func (s *Service) Create(ctx context.Context, userID string, draft Draft) (*domain.Template, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	tmpl := domain.Template{
		ID:          uuid.NewString(),
		OwnerID:     userID,
		Name:        strings.TrimSpace(draft.Name),
		Description: draft.Description,
		Config:      draft.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.write(ctx, &tmpl); err != nil {
		return nil, err
	}

	s.audit.LogTemplateAction(ctx, userID, ActionCreate, tmpl.ID, map[string]any{
		"name":    tmpl.Name,
		"domains": tmpl.Config.Domains,
	})
	s.logger.Info("template created", zap.String("template_id", tmpl.ID), zap.String("user_id", userID))
	return &tmpl, nil
}

// Get returns a template owned by userID. Templates of other users are
// reported as not found.
func (s *Service) Get(ctx context.Context, userID, templateID string) (*domain.Template, error) {
	raw, err := s.store.Get(ctx, KeyPrefix+templateID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	tmpl, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if tmpl.OwnerID != userID {
		return nil, ErrTemplateNotFound
	}
	return tmpl, nil
}

// List returns the user's templates sorted by name.
func (s *Service) List(ctx context.Context, userID string) ([]domain.Template, error) {
	keys, err := s.store.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	templates := make([]domain.Template, 0)
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read template: %w", err)
		}
		tmpl, err := decode(raw)
		if err != nil {
			s.logger.Warn("skipping unreadable template", zap.String("key", key), zap.Error(err))
			continue
		}
		if tmpl.OwnerID == userID {
			templates = append(templates, *tmpl)
		}
	}
	sort.Slice(templates, func(i, j int) bool {
		if templates[i].Name == templates[j].Name {
			return templates[i].ID < templates[j].ID
		}
		return templates[i].Name < templates[j].Name
	})
	return templates, nil
}

func (s *Service) Update(ctx context.Context, userID, templateID string, draft Draft) (*domain.Template, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	var updated domain.Template
	err := s.store.Update(ctx, KeyPrefix+templateID, func(raw []byte) ([]byte, error) {
		tmpl, err := decode(raw)
		if err != nil {
			return nil, err
		}
		if tmpl.OwnerID != userID {
			return nil, ErrTemplateNotFound
		}
		tmpl.Name = strings.TrimSpace(draft.Name)
		tmpl.Description = draft.Description
		tmpl.Config = draft.Config
		tmpl.UpdatedAt = s.now()
		updated = *tmpl
		return json.Marshal(tmpl)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}

	s.audit.LogTemplateAction(ctx, userID, ActionUpdate, templateID, map[string]any{
		"name":    updated.Name,
		"domains": updated.Config.Domains,
	})
	return &updated, nil
}

func (s *Service) Delete(ctx context.Context, userID, templateID string) error {
	tmpl, err := s.Get(ctx, userID, templateID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, KeyPrefix+templateID); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}

	s.audit.LogTemplateAction(ctx, userID, ActionDelete, templateID, map[string]any{"name": tmpl.Name})
	return nil
}

func (s *Service) write(ctx context.Context, tmpl *domain.Template) error {
	raw, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	if err := s.store.Set(ctx, KeyPrefix+tmpl.ID, raw, 0); err != nil {
		return fmt.Errorf("write template: %w", err)
	}
	return nil
}

func decode(raw []byte) (*domain.Template, error) {
	var tmpl domain.Template
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return &tmpl, nil
}
