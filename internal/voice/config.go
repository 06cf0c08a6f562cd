package voice

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	ModelExt  = ".onnx"
	ConfigExt = ".onnx.json"
)

// Defaults applied when a voice config document omits a field.
const (
	DefaultSampleRate  = 22050
	DefaultLengthScale = 1.0
	DefaultNoiseScale  = 0.667
	DefaultNoiseWScale = 0.8
)

// Config is the part of a voice's config document the server needs.
type Config struct {
	SampleRate   int
	Channels     int
	NumSpeakers  int
	SpeakerIDMap map[string]int
	LengthScale  float64
	NoiseScale   float64
	NoiseWScale  float64
}

type configDocument struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
	NumSpeakers  int            `json:"num_speakers"`
	SpeakerIDMap map[string]int `json:"speaker_id_map"`
	Inference    struct {
		NoiseScale  *float64 `json:"noise_scale"`
		LengthScale *float64 `json:"length_scale"`
		NoiseW      *float64 `json:"noise_w"`
	} `json:"inference"`
}

// ParseConfig decodes a voice config document, filling in defaults.
func ParseConfig(data []byte) (Config, error) {
	var doc configDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("decode voice config: %w", err)
	}
	cfg := Config{
		SampleRate:   doc.Audio.SampleRate,
		Channels:     1,
		NumSpeakers:  doc.NumSpeakers,
		SpeakerIDMap: doc.SpeakerIDMap,
		LengthScale:  DefaultLengthScale,
		NoiseScale:   DefaultNoiseScale,
		NoiseWScale:  DefaultNoiseWScale,
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.NumSpeakers <= 0 {
		cfg.NumSpeakers = 1
	}
	if cfg.SpeakerIDMap == nil {
		cfg.SpeakerIDMap = map[string]int{}
	}
	if v := doc.Inference.LengthScale; v != nil {
		cfg.LengthScale = *v
	}
	if v := doc.Inference.NoiseScale; v != nil {
		cfg.NoiseScale = *v
	}
	if v := doc.Inference.NoiseW; v != nil {
		cfg.NoiseWScale = *v
	}
	return cfg, nil
}

// ReadConfig loads the config document that sits next to modelPath.
func ReadConfig(modelPath string) (Config, error) {
	data, err := os.ReadFile(modelPath + ".json")
	if err != nil {
		return Config{}, fmt.Errorf("read voice config: %w", err)
	}
	return ParseConfig(data)
}

// ModelID derives a voice id from a model file path.
func ModelID(modelPath string) string {
	return strings.TrimSuffix(filepath.Base(modelPath), ModelExt)
}

// validID rejects ids that could escape a data directory.
func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

// FindModel returns the first {id}.onnx found in dataDirs.
func FindModel(dataDirs []string, id string) (string, bool) {
	if !validID(id) {
		return "", false
	}
	for _, dir := range dataDirs {
		path := filepath.Join(dir, id+ModelExt)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// ResolveModelPath accepts either a model path or a voice id and returns an existing model file.
func ResolveModelPath(model string, dataDirs []string) (string, error) {
	if info, err := os.Stat(model); err == nil && info.Mode().IsRegular() {
		return model, nil
	}
	if path, ok := FindModel(dataDirs, model); ok {
		return path, nil
	}
	return "", fmt.Errorf("unable to find voice %q in %v: %w", model, dataDirs, ErrNotFound)
}

// ListLocal returns the config documents of every locally available voice keyed by id.
// The default model's document comes first; on duplicate ids the first one wins.
func ListLocal(defaultModelPath string, dataDirs []string) map[string]json.RawMessage {
	configPaths := []string{defaultModelPath + ".json"}
	for _, dir := range dataDirs {
		models, err := filepath.Glob(filepath.Join(dir, "*"+ModelExt))
		if err != nil {
			continue
		}
		for _, model := range models {
			configPaths = append(configPaths, model+".json")
		}
	}

	voices := make(map[string]json.RawMessage)
	for _, path := range configPaths {
		id := strings.TrimSuffix(filepath.Base(path), ConfigExt)
		if _, seen := voices[id]; seen {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil || !json.Valid(data) {
			continue
		}
		voices[id] = json.RawMessage(data)
	}
	return voices
}
