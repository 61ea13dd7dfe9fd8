package storage

import (
	"errors"
	"testing"

	"ergotype/internal/model"
)

func TestDecodeRunRejectsVersionMismatch(t *testing.T) {
	data, err := EncodeRun(model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion + 1},
		ID:              "r1",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeRun(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestDecodeBestLayoutKeepsGenotype(t *testing.T) {
	data, err := EncodeBestLayout(model.BestLayout{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion},
		RunID:           "r1",
		Genotype:        model.Genotype{"e": "k3", "t": "k4"},
		Fitness:         0.42,
		Typed:           11,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	best, err := DecodeBestLayout(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if best.Genotype["t"] != "k4" || best.Typed != 11 {
		t.Fatalf("unexpected layout: %+v", best)
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	if _, err := DecodeRun([]byte("{")); err == nil {
		t.Fatal("expected malformed run error")
	}
	if _, err := DecodeGenerationDiagnostics([]byte("[1,")); err == nil {
		t.Fatal("expected malformed diagnostics error")
	}
}
