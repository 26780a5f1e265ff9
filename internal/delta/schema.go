package delta

// deltaSchema constrains a submitted delta file. Kind is a closed enum;
// adding a kind means updating both this schema and the dispatch switch in
// the processor.
const deltaSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "actor_id", "timestamp"],
  "properties": {
    "kind": {
      "type": "string",
      "enum": ["heartbeat", "vote", "poke", "flag"]
    },
    "actor_id": {
      "type": "string",
      "minLength": 1
    },
    "timestamp": {
      "type": "string",
      "format": "date-time"
    },
    "args": {
      "type": "object",
      "properties": {
        "target_ref": {"type": "string"},
        "target_id": {"type": "string"},
        "message": {"type": "string"},
        "reason": {"type": "string"}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`
