// Copyright (c) 2025, The GX Cloud Authors
// MIT License
// All rights reserved.

// Package jobs models the job envelope carried inside broker messages: a
// JSON object whose "type" field discriminates a closed set of job kinds.
// Parsing never fails; anything unrecognized degrades to UnknownJob.
package jobs

import (
	"encoding/json"
)

// Kind discriminates the job union. The set of kinds is closed; new kinds
// require a new agent release.
type Kind string

const (
	KindRunCheckpoint          Kind = "run_checkpoint"
	KindRunScheduledCheckpoint Kind = "run_scheduled_checkpoint"
	KindDraftDatasourceConfig  Kind = "draft_datasource_config"
	KindListTableNames         Kind = "list_table_names"
	KindUnknown                Kind = "unknown"
)

// Kinds returns every dispatchable job kind. UnknownJob is deliberately
// absent: it is handled by the built-in fallback, never by a registered
// handler.
func Kinds() []Kind {
	return []Kind{
		KindRunCheckpoint,
		KindRunScheduledCheckpoint,
		KindDraftDatasourceConfig,
		KindListTableNames,
	}
}

type (
	// Job is one member of the job union.
	Job interface {
		// Kind identifies the member.
		Kind() Kind

		// Scheduled reports whether the job belongs to the scheduled
		// category, whose record must be created in the control plane
		// before execution starts.
		Scheduled() bool
	}

	// RunCheckpointJob runs a named checkpoint against its datasources.
	RunCheckpointJob struct {
		Type            string   `json:"type"`
		CheckpointID    string   `json:"checkpoint_id"`
		CheckpointName  string   `json:"checkpoint_name,omitempty"`
		DatasourceNames []string `json:"datasource_names,omitempty"`
	}

	// RunScheduledCheckpointJob is the scheduled variant of a checkpoint
	// run. The control plane has no record of it until the agent registers
	// one.
	RunScheduledCheckpointJob struct {
		Type            string   `json:"type"`
		CheckpointID    string   `json:"checkpoint_id"`
		ScheduleID      string   `json:"schedule_id"`
		CheckpointName  string   `json:"checkpoint_name,omitempty"`
		DatasourceNames []string `json:"datasource_names,omitempty"`
	}

	// DraftDatasourceConfigJob test-connects a draft datasource config.
	DraftDatasourceConfigJob struct {
		Type     string `json:"type"`
		ConfigID string `json:"config_id"`
	}

	// ListTableNamesJob introspects the tables of one datasource.
	ListTableNamesJob struct {
		Type           string `json:"type"`
		DatasourceName string `json:"datasource_name"`
	}

	// UnknownJob is the fallback for unrecognized or malformed envelopes.
	UnknownJob struct {
		Type string `json:"type"`
	}
)

func (j *RunCheckpointJob) Kind() Kind      { return KindRunCheckpoint }
func (j *RunCheckpointJob) Scheduled() bool { return false }

func (j *RunScheduledCheckpointJob) Kind() Kind      { return KindRunScheduledCheckpoint }
func (j *RunScheduledCheckpointJob) Scheduled() bool { return true }

func (j *DraftDatasourceConfigJob) Kind() Kind      { return KindDraftDatasourceConfig }
func (j *DraftDatasourceConfigJob) Scheduled() bool { return false }

func (j *ListTableNamesJob) Kind() Kind      { return KindListTableNames }
func (j *ListTableNamesJob) Scheduled() bool { return false }

func (j *UnknownJob) Kind() Kind      { return KindUnknown }
func (j *UnknownJob) Scheduled() bool { return false }

// envelope probes only the discriminator.
type envelope struct {
	Type string `json:"type"`
}

// Parse turns a raw payload into a Job. It never fails: byte sequences that
// are not valid envelopes of a known type, and known types missing required
// fields, yield an UnknownJob.
func Parse(payload []byte) Job {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return &UnknownJob{}
	}

	switch Kind(env.Type) {
	case KindRunCheckpoint:
		var j RunCheckpointJob
		if err := json.Unmarshal(payload, &j); err != nil || j.CheckpointID == "" {
			return &UnknownJob{Type: env.Type}
		}
		return &j

	case KindRunScheduledCheckpoint:
		var j RunScheduledCheckpointJob
		if err := json.Unmarshal(payload, &j); err != nil || j.CheckpointID == "" || j.ScheduleID == "" {
			return &UnknownJob{Type: env.Type}
		}
		return &j

	case KindDraftDatasourceConfig:
		var j DraftDatasourceConfigJob
		if err := json.Unmarshal(payload, &j); err != nil || j.ConfigID == "" {
			return &UnknownJob{Type: env.Type}
		}
		return &j

	case KindListTableNames:
		var j ListTableNamesJob
		if err := json.Unmarshal(payload, &j); err != nil || j.DatasourceName == "" {
			return &UnknownJob{Type: env.Type}
		}
		return &j

	default:
		return &UnknownJob{Type: env.Type}
	}
}

// Serialize renders a Job back to its envelope form.
func Serialize(j Job) ([]byte, error) {
	return json.Marshal(j)
}
