package routing

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soundfleet/pkg/models"
)

func newTestEngine() *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewEngine(logger)
}

func rule(id string, priority int, conditions map[string]interface{}) models.RoutingRule {
	return models.RoutingRule{
		RuleID:     id,
		Priority:   priority,
		Conditions: conditions,
		Enabled:    true,
	}
}

func TestMatchOrdersByPriorityDescending(t *testing.T) {
	engine := newTestEngine()

	rules := []models.RoutingRule{
		rule("low", 1, map[string]interface{}{}),
		rule("high", 10, map[string]interface{}{}),
		rule("mid", 5, map[string]interface{}{}),
	}

	matched := engine.Match(rules, map[string]interface{}{})
	require.Len(t, matched, 3)
	assert.Equal(t, "high", matched[0].RuleID)
	assert.Equal(t, "mid", matched[1].RuleID)
	assert.Equal(t, "low", matched[2].RuleID)
}

func TestMatchKeepsInsertionOrderOnTies(t *testing.T) {
	engine := newTestEngine()

	rules := []models.RoutingRule{
		rule("first", 5, map[string]interface{}{}),
		rule("second", 5, map[string]interface{}{}),
		rule("third", 5, map[string]interface{}{}),
	}

	matched := engine.Match(rules, map[string]interface{}{})
	require.Len(t, matched, 3)
	assert.Equal(t, "first", matched[0].RuleID)
	assert.Equal(t, "second", matched[1].RuleID)
	assert.Equal(t, "third", matched[2].RuleID)
}

func TestMatchSkipsDisabledRules(t *testing.T) {
	engine := newTestEngine()

	disabled := rule("off", 1, map[string]interface{}{})
	disabled.Enabled = false

	matched := engine.Match([]models.RoutingRule{disabled}, map[string]interface{}{})
	assert.Empty(t, matched)
}

func TestComparisonOperators(t *testing.T) {
	engine := newTestEngine()
	metadata := map[string]interface{}{
		"duration_ms": 5000,
		"format":      "wav",
	}

	cases := []struct {
		name       string
		conditions map[string]interface{}
		want       bool
	}{
		{"eq match", map[string]interface{}{"format": map[string]interface{}{"$eq": "wav"}}, true},
		{"ne match", map[string]interface{}{"format": map[string]interface{}{"$ne": "mp3"}}, true},
		{"gt match", map[string]interface{}{"duration_ms": map[string]interface{}{"$gt": 4999}}, true},
		{"gt no match", map[string]interface{}{"duration_ms": map[string]interface{}{"$gt": 5000}}, false},
		{"gte boundary", map[string]interface{}{"duration_ms": map[string]interface{}{"$gte": 5000}}, true},
		{"lt no match", map[string]interface{}{"duration_ms": map[string]interface{}{"$lt": 5000}}, false},
		{"lte boundary", map[string]interface{}{"duration_ms": map[string]interface{}{"$lte": 5000}}, true},
		{"in match", map[string]interface{}{"format": map[string]interface{}{"$in": []interface{}{"wav", "flac"}}}, true},
		{"nin match", map[string]interface{}{"format": map[string]interface{}{"$nin": []interface{}{"mp3", "ogg"}}}, true},
		{"exists true", map[string]interface{}{"format": map[string]interface{}{"$exists": true}}, true},
		{"exists false on present field", map[string]interface{}{"format": map[string]interface{}{"$exists": false}}, false},
		{"exists false on missing field", map[string]interface{}{"codec": map[string]interface{}{"$exists": false}}, true},
		{"regex match", map[string]interface{}{"format": map[string]interface{}{"$regex": "^wa"}}, true},
		{"regex no match", map[string]interface{}{"format": map[string]interface{}{"$regex": "^mp"}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := engine.Matches(rule("r", 0, tc.conditions), metadata)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestInOperatorMatchesArrayFields(t *testing.T) {
	engine := newTestEngine()
	metadata := map[string]interface{}{"tags": []interface{}{"anomaly", "monitor"}}

	in := rule("r", 0, map[string]interface{}{
		"tags": map[string]interface{}{"$in": []interface{}{"anomaly"}},
	})
	assert.True(t, engine.Matches(in, metadata))

	inMiss := rule("r", 0, map[string]interface{}{
		"tags": map[string]interface{}{"$in": []interface{}{"calibration"}},
	})
	assert.False(t, engine.Matches(inMiss, metadata))

	nin := rule("r", 0, map[string]interface{}{
		"tags": map[string]interface{}{"$nin": []interface{}{"anomaly"}},
	})
	assert.False(t, engine.Matches(nin, metadata))

	ninMiss := rule("r", 0, map[string]interface{}{
		"tags": map[string]interface{}{"$nin": []interface{}{"calibration"}},
	})
	assert.True(t, engine.Matches(ninMiss, metadata))
}

func TestNumericEqualityAcrossTypes(t *testing.T) {
	engine := newTestEngine()

	// A rule loaded from JSON carries float64; metadata may carry int
	r := rule("r", 0, map[string]interface{}{"channels": float64(2)})
	assert.True(t, engine.Matches(r, map[string]interface{}{"channels": 2}))
	assert.True(t, engine.Matches(r, map[string]interface{}{"channels": int64(2)}))
	assert.False(t, engine.Matches(r, map[string]interface{}{"channels": 3}))
}

func TestBareValueAndListConditions(t *testing.T) {
	engine := newTestEngine()

	equality := rule("r", 0, map[string]interface{}{"dataset": "machine_room"})
	assert.True(t, engine.Matches(equality, map[string]interface{}{"dataset": "machine_room"}))
	assert.False(t, engine.Matches(equality, map[string]interface{}{"dataset": "lab"}))

	containment := rule("r", 0, map[string]interface{}{"dataset": []interface{}{"lab", "machine_room"}})
	assert.True(t, engine.Matches(containment, map[string]interface{}{"dataset": "machine_room"}))
	assert.False(t, engine.Matches(containment, map[string]interface{}{"dataset": "field"}))

	// Bare value against a list-valued field means membership
	tagged := rule("r", 0, map[string]interface{}{"tags": "priority"})
	assert.True(t, engine.Matches(tagged, map[string]interface{}{"tags": []interface{}{"priority", "night"}}))
	assert.False(t, engine.Matches(tagged, map[string]interface{}{"tags": []interface{}{"night"}}))
}

func TestLogicalOperators(t *testing.T) {
	engine := newTestEngine()
	metadata := map[string]interface{}{"format": "wav", "channels": 2}

	and := rule("r", 0, map[string]interface{}{
		"$and": []interface{}{
			map[string]interface{}{"format": "wav"},
			map[string]interface{}{"channels": map[string]interface{}{"$gte": 2}},
		},
	})
	assert.True(t, engine.Matches(and, metadata))

	or := rule("r", 0, map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"format": "mp3"},
			map[string]interface{}{"channels": 2},
		},
	})
	assert.True(t, engine.Matches(or, metadata))

	nor := rule("r", 0, map[string]interface{}{
		"$nor": []interface{}{
			map[string]interface{}{"format": "mp3"},
			map[string]interface{}{"channels": 8},
		},
	})
	assert.True(t, engine.Matches(nor, metadata))

	nested := rule("r", 0, map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"$and": []interface{}{
				map[string]interface{}{"format": "wav"},
				map[string]interface{}{"channels": map[string]interface{}{"$lt": 2}},
			}},
			map[string]interface{}{"channels": map[string]interface{}{"$eq": 2}},
		},
	})
	assert.True(t, engine.Matches(nested, metadata))
}

func TestDottedPathResolution(t *testing.T) {
	engine := newTestEngine()
	metadata := map[string]interface{}{
		"capture": map[string]interface{}{
			"site": map[string]interface{}{"zone": "A"},
		},
	}

	r := rule("r", 0, map[string]interface{}{"capture.site.zone": "A"})
	assert.True(t, engine.Matches(r, metadata))

	r = rule("r", 0, map[string]interface{}{"capture.site.floor": map[string]interface{}{"$exists": true}})
	assert.False(t, engine.Matches(r, metadata))
}

func TestMalformedConditionsFailClosed(t *testing.T) {
	engine := newTestEngine()
	metadata := map[string]interface{}{"format": "wav"}

	cases := []map[string]interface{}{
		{"format": map[string]interface{}{"$unknown": 1}},
		{"format": map[string]interface{}{"$regex": "("}},
		{"format": map[string]interface{}{"$in": "not-a-list"}},
		{"format": map[string]interface{}{"$exists": "yes"}},
		{"$or": "not-a-list"},
		{"$badop": []interface{}{}},
	}

	for _, conditions := range cases {
		assert.False(t, engine.Matches(rule("r", 0, conditions), metadata),
			"conditions %v should fail closed", conditions)
	}
}

func TestEmptyConditionsMatchEverything(t *testing.T) {
	engine := newTestEngine()
	assert.True(t, engine.Matches(rule("r", 0, map[string]interface{}{}), map[string]interface{}{}))
	assert.True(t, engine.Matches(rule("r", 0, nil), map[string]interface{}{"any": "thing"}))
}
