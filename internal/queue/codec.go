package queue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"ergotype/internal/model"
)

const CurrentSchemaVersion = 1

type envelope struct {
	model.VersionedRecord
	Kind    Channel         `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func EncodeConfig(cfg model.ConfigMessage) ([]byte, error) {
	return encode(ChannelConfig, cfg)
}

func DecodeConfig(data []byte) (model.ConfigMessage, error) {
	var cfg model.ConfigMessage
	if err := decode(data, ChannelConfig, &cfg); err != nil {
		return model.ConfigMessage{}, err
	}
	if err := cfg.Validate(); err != nil {
		return model.ConfigMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return cfg, nil
}

func EncodeJob(job model.Job) ([]byte, error) {
	return encode(ChannelJobs, job)
}

func DecodeJob(data []byte) (model.Job, error) {
	var job model.Job
	if err := decode(data, ChannelJobs, &job); err != nil {
		return model.Job{}, err
	}
	if err := job.Validate(); err != nil {
		return model.Job{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return job, nil
}

func EncodeResult(result model.Result) ([]byte, error) {
	return encode(ChannelResults, result)
}

func DecodeResult(data []byte) (model.Result, error) {
	var result model.Result
	if err := decode(data, ChannelResults, &result); err != nil {
		return model.Result{}, err
	}
	if err := result.Validate(); err != nil {
		return model.Result{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return result, nil
}

func encode(kind Channel, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return json.Marshal(envelope{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion},
		Kind:            kind,
		Payload:         raw,
	})
}

func decode(data []byte, kind Channel, out any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.SchemaVersion != CurrentSchemaVersion {
		return fmt.Errorf("%w: schema version %d", ErrMalformedMessage, env.SchemaVersion)
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: expected %s, got %q", ErrMalformedMessage, kind, env.Kind)
	}
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, kind, err)
	}
	return nil
}
