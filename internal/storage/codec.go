package storage

import (
	"encoding/json"

	"github.com/pkg/errors"

	"gnas/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, errors.Wrap(err, "decode run")
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodePopulation(p model.PopulationSnapshot) ([]byte, error) {
	return json.Marshal(p)
}

func DecodePopulation(data []byte) (model.PopulationSnapshot, error) {
	var snapshot model.PopulationSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.PopulationSnapshot{}, errors.Wrap(err, "decode population")
	}
	if err := checkVersion(snapshot.VersionedRecord); err != nil {
		return model.PopulationSnapshot{}, err
	}
	if n := len(snapshot.Individuals); len(snapshot.Fitness) != n || len(snapshot.Scored) != n {
		return model.PopulationSnapshot{}, errors.Errorf("population %s: %d individuals, %d fitness values, %d scored flags",
			snapshot.ID, n, len(snapshot.Fitness), len(snapshot.Scored))
	}
	return snapshot, nil
}

func EncodeBest(b model.BestRecord) ([]byte, error) {
	return json.Marshal(b)
}

func DecodeBest(data []byte) (model.BestRecord, error) {
	var best model.BestRecord
	if err := json.Unmarshal(data, &best); err != nil {
		return model.BestRecord{}, errors.Wrap(err, "decode best record")
	}
	if err := checkVersion(best.VersionedRecord); err != nil {
		return model.BestRecord{}, err
	}
	return best, nil
}

func EncodeFitnessHistory(history []float64) ([]byte, error) {
	return json.Marshal(history)
}

func DecodeFitnessHistory(data []byte) ([]float64, error) {
	var history []float64
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, errors.Wrap(err, "decode fitness history")
	}
	return history, nil
}

func EncodeGenerationDiagnostics(diagnostics []model.GenerationDiagnostics) ([]byte, error) {
	return json.Marshal(diagnostics)
}

func DecodeGenerationDiagnostics(data []byte) ([]model.GenerationDiagnostics, error) {
	var diagnostics []model.GenerationDiagnostics
	if err := json.Unmarshal(data, &diagnostics); err != nil {
		return nil, errors.Wrap(err, "decode generation diagnostics")
	}
	return diagnostics, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return errors.Wrapf(ErrVersionMismatch, "schema %d codec %d, want %d/%d",
			v.SchemaVersion, v.CodecVersion, CurrentSchemaVersion, CurrentCodecVersion)
	}
	return nil
}
