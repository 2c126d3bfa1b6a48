package points

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"serotonyl.ru/wellness-ledger/internal/common"
)

// RuleBook: неизменяемый снимок таблицы правил.
// Одно начисление читает ровно один снимок, даже если администратор
// в этот момент меняет правила.
type RuleBook struct {
	version int64
	rules   map[string]Rule
}

// NewRuleBook собирает снимок. Версия снимка равна максимальной версии правил.
func NewRuleBook(rules []Rule) *RuleBook {
	b := &RuleBook{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		b.rules[r.Action] = r
		if r.Version > b.version {
			b.version = r.Version
		}
	}
	return b
}

// Version возвращает версию снимка.
func (b *RuleBook) Version() int64 {
	return b.version
}

// Lookup возвращает правило действия.
func (b *RuleBook) Lookup(action string) (Rule, bool) {
	r, ok := b.rules[action]
	return r, ok
}

// PointsFor возвращает количество баллов за действие и версию правила.
// Нет правила или оно выключено: 0 баллов.
func (b *RuleBook) PointsFor(action string) (int64, int64) {
	r, ok := b.rules[action]
	if !ok || !r.IsActive {
		return 0, r.Version
	}
	return r.Points, r.Version
}

// Rules возвращает правила, отсортированные по имени действия.
func (b *RuleBook) Rules() []Rule {
	out := make([]Rule, 0, len(b.rules))
	for _, r := range b.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

// ruleCache держит актуальный снимок. Замена снимка атомарна.
type ruleCache struct {
	book atomic.Pointer[RuleBook]
}

func newRuleCache() *ruleCache {
	c := &ruleCache{}
	c.book.Store(NewRuleBook(nil))
	return c
}

func (c *ruleCache) snapshot() *RuleBook {
	return c.book.Load()
}

// replace ставит новый снимок, если он не старее текущего.
func (c *ruleCache) replace(next *RuleBook) bool {
	for {
		cur := c.book.Load()
		if next.version < cur.version {
			return false
		}
		if c.book.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// LoadSeedFile читает начальную таблицу правил из YAML.
//
// Формат:
//
//	rules:
//	  - action: diary_post
//	    points: 10
//	    description: Запись в дневнике
//	    active: true
func LoadSeedFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать файл правил %s: %w", path, err)
	}
	return parseSeed(data)
}

func parseSeed(data []byte) ([]Rule, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ошибка разбора YAML правил: %w", err)
	}

	seen := make(map[string]bool, len(f.Rules))
	rules := make([]Rule, 0, len(f.Rules))
	for i, sr := range f.Rules {
		action := strings.TrimSpace(sr.Action)
		if action == "" {
			return nil, fmt.Errorf("правило #%d: пустое действие", i+1)
		}
		if seen[action] {
			return nil, fmt.Errorf("правило %q указано дважды", action)
		}
		seen[action] = true
		if sr.Points < 0 {
			return nil, fmt.Errorf("правило %q: %w", action, common.ErrNegativeRulePoints)
		}

		active := true
		if sr.Active != nil {
			active = *sr.Active
		}
		rules = append(rules, Rule{
			Action:      action,
			Points:      sr.Points,
			Description: sr.Description,
			IsActive:    active,
		})
	}
	return rules, nil
}
