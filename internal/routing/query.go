package routing

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"soundfleet/pkg/models"
)

// metadataPrefix is where rule condition fields live inside a recording
const metadataPrefix = "metadata."

// BuildQuery translates a rule's conditions into a Mongo filter over the
// recordings collection so backfill can find historical matches with the
// same semantics the live matcher applies.
func BuildQuery(rule models.RoutingRule) bson.M {
	return buildConditionQuery(rule.Conditions)
}

func buildConditionQuery(conditions map[string]interface{}) bson.M {
	query := bson.M{}
	for key, expr := range conditions {
		switch key {
		case "$and", "$or", "$nor":
			clauses, ok := expr.([]interface{})
			if !ok {
				continue
			}
			sub := make([]bson.M, 0, len(clauses))
			for _, clause := range clauses {
				doc, ok := clause.(map[string]interface{})
				if !ok {
					continue
				}
				sub = append(sub, buildConditionQuery(doc))
			}
			if len(sub) > 0 {
				query[key] = sub
			}
		default:
			if strings.HasPrefix(key, "$") {
				continue
			}
			if list, ok := toList(expr); ok {
				query[metadataPrefix+key] = bson.M{"$in": list}
				continue
			}
			query[metadataPrefix+key] = expr
		}
	}
	return query
}
