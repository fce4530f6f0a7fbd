package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Storage providers understood by storage.Open.
const (
	ProviderS3   = "s3"
	ProviderGCS  = "gcs"
	ProviderHTTP = "http"
)

// Scheduling modes shared by the download scheduler and the extraction workers.
const (
	ScheduleWave = "wave" // join barrier per wave of workers
	SchedulePool = "pool" // bounded pool, a free worker picks the next unit immediately
)

// What happens to a downloaded archive once extraction has been attempted.
const (
	DeleteAlways    = "always"
	DeleteOnSuccess = "on-success"
	DeleteNever     = "never"
)

// How the consolidator treats header differences between files of the same type.
const (
	SchemaStrict  = "strict"
	SchemaLenient = "lenient"
)

const (
	DefaultBucket      = "screenlake-zip-prod"
	DefaultPrefix      = "academia/tenant/"
	DefaultRegion      = "us-east-1"
	DefaultBatchSize   = 25
	DefaultDownloaders = 4
	DefaultRedactMode  = "redact"
	RedactOff          = "off"
	DefaultLookback    = 365 * 24 * time.Hour
)

var (
	// Default number of extraction workers, one per CPU.
	DefaultExtractWorkers = runtime.NumCPU()
)

// StorageConfig selects and authenticates the remote object store.
type StorageConfig struct {
	Provider        string
	Bucket          string
	Region          string
	Endpoint        string // custom S3 endpoint, or index base URL for the http provider
	PathStyle       bool
	AccessKey       string
	SecretKey       string
	SessionToken    string
	CredentialsFile string // GCS service account json
}

// Config holds application settings
type Config struct {
	Storage StorageConfig

	Prefix     string
	Start      time.Time
	End        time.Time
	OutputRoot string
	RunID      string

	BatchSize       int
	DownloadWorkers int
	ExtractWorkers  int
	ScheduleMode    string

	RedactMode   string
	CascadePath  string
	DeletePolicy string

	SchemaPolicy string
	Parquet      bool

	DbPath string
}

// Default returns a Config populated with the stock values used by the CLI flags.
func Default() Config {
	now := time.Now().UTC()
	return Config{
		Storage: StorageConfig{
			Provider: ProviderS3,
			Bucket:   DefaultBucket,
			Region:   DefaultRegion,
		},
		Prefix:          DefaultPrefix,
		Start:           now.Add(-DefaultLookback),
		End:             now,
		OutputRoot:      ".",
		BatchSize:       DefaultBatchSize,
		DownloadWorkers: DefaultDownloaders,
		ExtractWorkers:  DefaultExtractWorkers,
		ScheduleMode:    SchedulePool,
		RedactMode:      DefaultRedactMode,
		DeletePolicy:    DeleteOnSuccess,
		SchemaPolicy:    SchemaStrict,
	}
}

// NewRunID generates a run identifier in the historical query_<uuid> form.
func NewRunID() string {
	return "query_" + uuid.NewString()
}

// Validate checks the settings that must hold before a full run starts.
// Every error returned here is a fatal startup error.
func (c Config) Validate() error {
	var errs []error
	errs = append(errs, c.ValidateStorage())
	if c.Start.IsZero() || c.End.IsZero() {
		errs = append(errs, errors.New("start and end dates are required"))
	} else if c.Start.After(c.End) {
		errs = append(errs, fmt.Errorf("start date %s cannot be after end date %s", c.Start.Format(time.RFC3339), c.End.Format(time.RFC3339)))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize))
	}
	if c.DownloadWorkers < 1 {
		errs = append(errs, fmt.Errorf("download workers must be at least 1, got %d", c.DownloadWorkers))
	}
	errs = append(errs, c.ValidateLocal())
	return errors.Join(errs...)
}

// ValidateStorage checks provider selection and credentials.
func (c Config) ValidateStorage() error {
	var errs []error
	switch c.Storage.Provider {
	case ProviderS3, ProviderGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("bucket is required"))
		}
	case ProviderHTTP:
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("endpoint (index base URL) is required for the http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage provider %q", c.Storage.Provider))
	}
	if c.Storage.AccessKey != "" && c.Storage.SecretKey == "" {
		errs = append(errs, errors.New("access key set without secret key"))
	}
	if c.Storage.AccessKey == "" && c.Storage.SecretKey != "" {
		errs = append(errs, errors.New("secret key set without access key"))
	}
	return errors.Join(errs...)
}

// ValidateLocal checks the settings used by the on-disk stages (extract, consolidate).
func (c Config) ValidateLocal() error {
	var errs []error
	if strings.TrimSpace(c.RunID) == "" {
		errs = append(errs, errors.New("run id is required"))
	} else if strings.ContainsAny(c.RunID, `/\`) || c.RunID == "." || c.RunID == ".." {
		errs = append(errs, fmt.Errorf("run id %q must be a single path segment", c.RunID))
	}
	if c.ExtractWorkers < 1 {
		errs = append(errs, fmt.Errorf("extract workers must be at least 1, got %d", c.ExtractWorkers))
	}
	if err := oneOf("schedule mode", c.ScheduleMode, ScheduleWave, SchedulePool); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("delete policy", c.DeletePolicy, DeleteAlways, DeleteOnSuccess, DeleteNever); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("schema policy", c.SchemaPolicy, SchemaStrict, SchemaLenient); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("redact mode", c.RedactMode, "redact", "blur", RedactOff); err != nil {
		errs = append(errs, err)
	}
	if c.RedactMode != RedactOff && c.CascadePath == "" {
		errs = append(errs, errors.New("a face cascade file is required unless redaction is off"))
	}
	return errors.Join(errs...)
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (allowed: %s)", name, value, strings.Join(allowed, ", "))
}
