package registry

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"AssistVisionServer/engine"
	iface "AssistVisionServer/interface"
	"AssistVisionServer/logger"

	"go.uber.org/zap"
)

// Environment selects which detector and label table a session uses.
type Environment string

const (
	Indoor  Environment = "indoor"
	Outdoor Environment = "outdoor"
)

// OutdoorClassNames is the fixed label table of the outdoor model.
var OutdoorClassNames = []string{
	"Ambulance", "Auto-Rikshaw", "bike", "bus", "car",
	"puddle", "stairs", "truck", "van", "zebra-crossing",
}

type Config struct {
	IndoorModelPath  string
	OutdoorModelPath string
	IndoorNamesPath  string
	Conf             float32
	Iou              float32
	UseGPU           bool
}

// Registry holds the two detectors loaded at startup. Instances are reused
// for the process lifetime; weight files are never re-read per session.
type Registry struct {
	indoor       *engine.Detector
	outdoor      *engine.Detector
	indoorNames  []string
	outdoorNames []string
}

var (
	loadOnce sync.Once
	shared   *Registry
	loadErr  error
)

// Load reads both model artifacts and the indoor names file. The first call
// does the work; later calls return the same registry. Any failure is fatal
// for the caller, there is no degraded mode.
func Load(cfg Config) (*Registry, error) {
	loadOnce.Do(func() {
		shared, loadErr = load(cfg)
	})
	return shared, loadErr
}

func load(cfg Config) (*Registry, error) {
	indoorNames, err := ReadLines(cfg.IndoorNamesPath)
	if err != nil {
		return nil, fmt.Errorf("read indoor names: %w", err)
	}

	indoor, err := loadDetector(cfg.IndoorModelPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("load indoor model: %w", err)
	}
	outdoor, err := loadDetector(cfg.OutdoorModelPath, cfg)
	if err != nil {
		_ = indoor.Close()
		return nil, fmt.Errorf("load outdoor model: %w", err)
	}

	logger.Log().Info("models loaded",
		zap.String("indoor", cfg.IndoorModelPath),
		zap.String("outdoor", cfg.OutdoorModelPath),
		zap.Int("indoorClasses", len(indoorNames)),
		zap.Int("outdoorClasses", len(OutdoorClassNames)))

	return &Registry{
		indoor:       indoor,
		outdoor:      outdoor,
		indoorNames:  indoorNames,
		outdoorNames: OutdoorClassNames,
	}, nil
}

func loadDetector(modelPath string, cfg Config) (*engine.Detector, error) {
	d := &engine.Detector{}
	if !d.New() {
		return nil, fmt.Errorf("detector registration failed")
	}
	if err := d.LoadModel(modelPath, cfg.Conf, cfg.Iou, cfg.UseGPU); err != nil {
		return nil, err
	}
	if cfg.UseGPU {
		logger.S().Infof("warming up GPU detector %s", modelPath)
		d.Warmup(3)
	}
	return d, nil
}

// Select returns the detector and label table for an environment.
func (r *Registry) Select(env Environment) (iface.Backend, []string, error) {
	switch env {
	case Indoor:
		return r.indoor, r.indoorNames, nil
	case Outdoor:
		return r.outdoor, r.outdoorNames, nil
	default:
		return nil, nil, fmt.Errorf("unknown environment %q", env)
	}
}

func (r *Registry) Close() {
	_ = r.indoor.Close()
	_ = r.outdoor.Close()
}

// ReadLines loads a label table from a names file, one label per line.
// Windows CRLF endings are tolerated, blank lines skipped.
func ReadLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range strings.Split(string(b), "\n") {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// ParseEnvironment maps the UI selector value, case-insensitively.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "indoor":
		return Indoor, nil
	case "outdoor":
		return Outdoor, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}
