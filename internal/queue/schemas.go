package queue

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mixelka/unibox/pkg/models"
)

var jobSchemas = map[models.JobType]string{
	models.JobPoll: `{
		"type": "object",
		"required": ["accountId", "platform"],
		"properties": {
			"accountId": {"type": "integer", "minimum": 1},
			"platform": {"enum": ["telegram", "email", "twitter"]}
		}
	}`,
	models.JobSaveMessage: `{
		"type": "object",
		"required": ["message", "accountId", "platform", "userId"],
		"properties": {
			"accountId": {"type": "integer", "minimum": 1},
			"userId": {"type": "integer"},
			"platform": {"enum": ["telegram", "email", "twitter"]},
			"message": {
				"type": "object",
				"required": ["externalMessageId"],
				"properties": {
					"externalMessageId": {"type": "string", "minLength": 1},
					"direction": {"enum": ["inbound", "outbound"]},
					"references": {"type": ["array", "null"], "items": {"type": "string"}}
				}
			}
		}
	}`,
	models.JobReconciliation: `{
		"type": "object",
		"required": ["accountId"],
		"properties": {
			"accountId": {"type": "integer", "minimum": 1}
		}
	}`,
	models.JobContactsSync: `{
		"type": "object",
		"required": ["accountId", "platform", "userId"],
		"properties": {
			"accountId": {"type": "integer", "minimum": 1},
			"userId": {"type": "integer"},
			"platform": {"enum": ["telegram", "email", "twitter"]}
		}
	}`,
}

func compileSchemas() (map[models.JobType]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	out := make(map[models.JobType]*jsonschema.Schema, len(jobSchemas))
	for jobType, src := range jobSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s schema: %w", jobType, err)
		}
		url := fmt.Sprintf("job://%s.json", jobType)
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("failed to add %s schema: %w", jobType, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", jobType, err)
		}
		out[jobType] = sch
	}
	return out, nil
}
