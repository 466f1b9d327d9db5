// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of
// the working directory or installation location.
package schemasassets

import _ "embed"

// SchedulerFixtureSchema is the embedded scheduler-fixture JSON schema.
//
//go:embed scheduler-fixture.schema.json
var SchedulerFixtureSchema []byte
