package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/loamdata/loam/internal/engine"
	"github.com/loamdata/loam/internal/metadata"
	"github.com/loamdata/loam/internal/model"
)

// Contract severities.
const (
	SeverityError = "error"
	SeverityWarn  = "warn"
)

// Contract is a standalone quality document targeting one model.
type Contract struct {
	Name       string   `yaml:"name"`
	Model      string   `yaml:"model"`
	Severity   string   `yaml:"severity"`
	Assertions []string `yaml:"assertions"`

	Path string `yaml:"-"`
}

// LoadContracts reads contracts/*.yml in stable order. A missing
// directory is an empty contract set.
func LoadContracts(dir string) ([]*Contract, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".yml") || strings.HasSuffix(e.Name(), ".yaml") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	contracts := make([]*Contract, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var c Contract
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return nil, engine.Errorf(engine.KindParseError, "%s: %v", path, err)
		}
		c.Path = path
		if c.Name == "" {
			c.Name = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
		}
		if err := c.validate(); err != nil {
			return nil, err
		}
		contracts = append(contracts, &c)
	}
	return contracts, nil
}

func (c *Contract) validate() error {
	parts := strings.Split(c.Model, ".")
	if len(parts) != 2 || !model.ValidIdent(parts[0]) || !model.ValidIdent(parts[1]) {
		return engine.Errorf(engine.KindParseError,
			"%s: contract model %q is not a valid schema.name", c.Path, c.Model)
	}
	switch c.Severity {
	case "":
		c.Severity = SeverityError
	case SeverityError, SeverityWarn:
	default:
		return engine.Errorf(engine.KindParseError,
			"%s: contract severity must be error or warn (got %q)", c.Path, c.Severity)
	}
	if len(c.Assertions) == 0 {
		return engine.Errorf(engine.KindParseError, "%s: contract has no assertions", c.Path)
	}
	return nil
}

// ContractRunner evaluates contracts and persists their outcomes.
type ContractRunner struct {
	eval  *Evaluator
	store *metadata.Store
	log   *zap.Logger
}

// NewContractRunner wires the evaluator to the metadata store.
func NewContractRunner(eval *Evaluator, store *metadata.Store, log *zap.Logger) *ContractRunner {
	return &ContractRunner{eval: eval, store: store, log: log}
}

// Run evaluates every contract. Severity error failures surface in the
// returned error (after all contracts ran); warn failures are recorded
// and logged only.
func (r *ContractRunner) Run(ctx context.Context, contracts []*Contract) error {
	var failed []string
	for _, c := range contracts {
		results := r.eval.EvaluateAll(ctx, c.Model, c.Assertions)
		passed := AllPassed(results)

		detail, err := json.Marshal(results)
		if err != nil {
			return err
		}
		rec := &metadata.ContractResult{
			ContractName: c.Name,
			Model:        c.Model,
			Passed:       passed,
			Severity:     c.Severity,
			Detail:       string(detail),
			CheckedAt:    time.Now(),
		}
		if err := r.store.InsertContractResult(ctx, rec); err != nil {
			return err
		}
		if passed {
			continue
		}
		if c.Severity == SeverityWarn {
			r.log.Warn("contract failed",
				zap.String("contract", c.Name),
				zap.String("model", c.Model),
				zap.String("severity", c.Severity))
			continue
		}
		failed = append(failed, c.Name)
	}
	if len(failed) > 0 {
		return engine.Errorf(engine.KindAssertionFailed,
			"contracts failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

// String renders the contract target for logs.
func (c *Contract) String() string {
	return fmt.Sprintf("%s -> %s (%s)", c.Name, c.Model, c.Severity)
}
