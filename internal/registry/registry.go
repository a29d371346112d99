package registry

/*
Реестр возможностей: индекс реализаций агентов и обработчиков действий.
Заполняется один раз при старте процесса (wiring в main), дальше только читается,
поэтому защита от конкурентной записи не нужна.
*/

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/xela07ax/storeops-agents/internal/domain"
)

// ErrContractViolation: реализация не удовлетворяет контракту. Фатально при старте.
var ErrContractViolation = errors.New("contract violation")

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:[-.][a-z0-9]+)*$`)

type Registry struct {
	agents  map[string]Agent
	actions map[string]ActionHandler
	events  map[string][]string // event name -> slugs в порядке регистрации
}

func New() *Registry {
	return &Registry{
		agents:  make(map[string]Agent),
		actions: make(map[string]ActionHandler),
		events:  make(map[string][]string),
	}
}

// RegisterAgent проверяет контракт и индексирует агента по slug и по событиям.
func (r *Registry) RegisterAgent(impl Agent) error {
	if impl == nil {
		return fmt.Errorf("%w: nil agent", ErrContractViolation)
	}
	slug := impl.Slug()
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("%w: invalid agent slug %q", ErrContractViolation, slug)
	}
	if _, exists := r.agents[slug]; exists {
		return fmt.Errorf("%w: agent %q already registered", ErrContractViolation, slug)
	}
	if impl.Name() == "" {
		return fmt.Errorf("%w: agent %q has empty name", ErrContractViolation, slug)
	}

	kind := impl.Kind()
	if !kind.Valid() {
		return fmt.Errorf("%w: agent %q has unknown kind %q", ErrContractViolation, slug, kind)
	}
	if kind == domain.KindBackground {
		if _, ok := impl.(Scheduled); !ok {
			return fmt.Errorf("%w: background agent %q must implement NextRunAt", ErrContractViolation, slug)
		}
	}

	events := impl.SubscribedEvents()
	if kind == domain.KindEvent && len(events) == 0 {
		return fmt.Errorf("%w: event agent %q subscribes to no events", ErrContractViolation, slug)
	}
	for _, e := range events {
		if e == "" {
			return fmt.Errorf("%w: agent %q subscribes to an empty event name", ErrContractViolation, slug)
		}
	}

	r.agents[slug] = impl
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		r.events[e] = append(r.events[e], slug)
	}
	return nil
}

// RegisterAction индексирует обработчик по его action_type.
func (r *Registry) RegisterAction(impl ActionHandler) error {
	if impl == nil {
		return fmt.Errorf("%w: nil action handler", ErrContractViolation)
	}
	actionType := impl.ActionType()
	if !slugPattern.MatchString(actionType) {
		return fmt.Errorf("%w: invalid action type %q", ErrContractViolation, actionType)
	}
	if _, exists := r.actions[actionType]; exists {
		return fmt.Errorf("%w: action %q already registered", ErrContractViolation, actionType)
	}
	r.actions[actionType] = impl
	return nil
}

// Agent: отсутствие агента штатная ситуация, вызывающий обязан ее обработать.
func (r *Registry) Agent(slug string) (Agent, bool) {
	a, ok := r.agents[slug]
	return a, ok
}

func (r *Registry) Action(actionType string) (ActionHandler, bool) {
	h, ok := r.actions[actionType]
	return h, ok
}

// AgentsForEvent возвращает slug'и подписчиков; пустой слайс, если их нет.
func (r *Registry) AgentsForEvent(eventName string) []string {
	slugs := r.events[eventName]
	out := make([]string, len(slugs))
	copy(out, slugs)
	return out
}

// Slugs: все зарегистрированные агенты в стабильном порядке.
func (r *Registry) Slugs() []string {
	out := make([]string, 0, len(r.agents))
	for slug := range r.agents {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) ActionTypes() []string {
	out := make([]string, 0, len(r.actions))
	for t := range r.actions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// WrapActions заменяет каждый обработчик оберткой (например, ReliableHandler).
// Вызывается при сборке, до первого использования реестра.
func (r *Registry) WrapActions(wrap func(ActionHandler) ActionHandler) {
	for t, h := range r.actions {
		r.actions[t] = wrap(h)
	}
}

// SyncToDatabase идемпотентно upsert'ит по строке каталога на каждого агента.
func (r *Registry) SyncToDatabase(ctx context.Context, store DefinitionStore) error {
	for _, slug := range r.Slugs() {
		if err := store.UpsertDefinition(ctx, Definition(r.agents[slug])); err != nil {
			return fmt.Errorf("registry: sync %q: %w", slug, err)
		}
	}
	return nil
}

// Definition собирает строку каталога из реализации.
func Definition(impl Agent) *domain.AgentDefinition {
	cfg := impl.DefaultConfig()
	if cfg == nil {
		cfg = domain.Config{}
	}
	return &domain.AgentDefinition{
		Slug:           impl.Slug(),
		Name:           impl.Name(),
		Description:    impl.Description(),
		Kind:           impl.Kind(),
		DefaultEnabled: DefaultEnabled(impl),
		DefaultConfig:  cfg,
	}
}

func DefaultEnabled(impl Agent) bool {
	if e, ok := impl.(DefaultEnabler); ok {
		return e.DefaultEnabled()
	}
	return true
}
