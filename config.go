package zorel

import (
	"bytes"
	"database/sql"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a declarative schema: the connection to open and the tables
// and associations to register.
type Config struct {
	Connection ConnectionConfig     `yaml:"connection"`
	Tables     map[string]TableSpec `yaml:"tables"`
}

// ConnectionConfig selects the driver and pool settings.
type ConnectionConfig struct {
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
	StmtCache     int           `yaml:"stmt_cache"`
	Replicas      []string      `yaml:"replicas"`
	StickyPrimary time.Duration `yaml:"sticky_primary"`
	DBConfig      `yaml:",inline"`
}

// TableSpec declares one table.
type TableSpec struct {
	Table          string            `yaml:"table"`
	PrimaryKey     []string          `yaml:"primary_key"`
	Columns        []string          `yaml:"columns"`
	UUIDPrimaryKey bool              `yaml:"uuid_primary_key"`
	Associations   []AssociationSpec `yaml:"associations"`
}

// AssociationSpec declares one association. Type is belongsTo, hasOne,
// hasMany or belongsToMany. Conditions are column equalities.
type AssociationSpec struct {
	Name             string          `yaml:"name"`
	Type             string          `yaml:"type"`
	ClassName        string          `yaml:"class_name"`
	ForeignKey       []string        `yaml:"foreign_key"`
	BindingKey       []string        `yaml:"binding_key"`
	TargetForeignKey []string        `yaml:"target_foreign_key"`
	Property         string          `yaml:"property"`
	Strategy         Strategy        `yaml:"strategy"`
	Conditions       map[string]any  `yaml:"conditions"`
	Sort             []string        `yaml:"sort"`
	Dependent        bool            `yaml:"dependent"`
	CascadeCallbacks bool            `yaml:"cascade_callbacks"`
	JoinType         JoinType        `yaml:"join_type"`
	Through          string          `yaml:"through"`
	JoinTable        string          `yaml:"join_table"`
	SaveStrategy     SaveStrategy    `yaml:"save_strategy"`
	OnDuplicate      DuplicatePolicy `yaml:"on_duplicate"`
}

// LoadConfig reads and parses a YAML schema file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML schema, rejecting unknown fields.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config YAML: %v", ErrConfiguration, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for alias, spec := range c.Tables {
		for i, a := range spec.Associations {
			if a.Name == "" {
				return configError("table %s: association %d has no name", alias, i)
			}
			if _, ok := associationKinds[a.Type]; !ok {
				return configError("table %s: association %s has unknown type %q", alias, a.Name, a.Type)
			}
			if a.Strategy != "" && !a.Strategy.valid() {
				return configError("table %s: association %s has unknown strategy %q", alias, a.Name, a.Strategy)
			}
		}
	}
	return nil
}

var associationKinds = map[string]AssociationType{
	"belongsTo":        ManyToOne,
	string(ManyToOne):  ManyToOne,
	"hasOne":           OneToOne,
	string(OneToOne):   OneToOne,
	"hasMany":          OneToMany,
	string(OneToMany):  OneToMany,
	"belongsToMany":    ManyToMany,
	string(ManyToMany): ManyToMany,
}

// Open opens the configured connection.
func (c *Config) Open(opts ...Option) (*Connection, error) {
	if c.Connection.Driver == "" {
		return nil, configError("config has no connection driver")
	}
	if c.Connection.SlowThreshold > 0 {
		opts = append([]Option{WithSlowThreshold(c.Connection.SlowThreshold)}, opts...)
	}
	if c.Connection.StmtCache > 0 {
		opts = append([]Option{WithStmtCache(c.Connection.StmtCache)}, opts...)
	}
	var replicas []*sql.DB
	closeReplicas := func() {
		for _, r := range replicas {
			r.Close()
		}
	}
	for _, dsn := range c.Connection.Replicas {
		db, err := openPool(c.Connection.Driver, dsn, &c.Connection.DBConfig)
		if err != nil {
			closeReplicas()
			return nil, err
		}
		replicas = append(replicas, db)
	}
	if len(replicas) > 0 {
		r := NewResolver(WithReplicas(replicas...), WithStickyPrimary(c.Connection.StickyPrimary))
		opts = append([]Option{WithResolver(r)}, opts...)
	}

	conn, err := Open(c.Connection.Driver, c.Connection.DSN, &c.Connection.DBConfig, opts...)
	if err != nil {
		closeReplicas()
		return nil, err
	}
	return conn, nil
}

// Apply registers the configured tables and associations, in alias order.
func (c *Config) Apply(r *Registry) error {
	aliases := slices.Sorted(maps.Keys(c.Tables))
	for _, alias := range aliases {
		spec := c.Tables[alias]
		r.Define(alias, TableConfig{
			Table:          spec.Table,
			PrimaryKey:     spec.PrimaryKey,
			Columns:        spec.Columns,
			UUIDPrimaryKey: spec.UUIDPrimaryKey,
		})
	}
	for _, alias := range aliases {
		t := r.Get(alias)
		for _, a := range c.Tables[alias].Associations {
			cfg := AssociationConfig{
				ClassName:        a.ClassName,
				ForeignKey:       a.ForeignKey,
				BindingKey:       a.BindingKey,
				TargetForeignKey: a.TargetForeignKey,
				PropertyName:     a.Property,
				Strategy:         a.Strategy,
				Conditions:       Conds(a.Conditions),
				Sort:             a.Sort,
				Dependent:        a.Dependent,
				CascadeCallbacks: a.CascadeCallbacks,
				JoinType:         a.JoinType,
				Through:          a.Through,
				JoinTable:        a.JoinTable,
				SaveStrategy:     a.SaveStrategy,
				OnDuplicate:      a.OnDuplicate,
			}
			switch associationKinds[a.Type] {
			case ManyToOne:
				t.BelongsTo(a.Name, cfg)
			case OneToOne:
				t.HasOne(a.Name, cfg)
			case OneToMany:
				t.HasMany(a.Name, cfg)
			case ManyToMany:
				t.BelongsToMany(a.Name, cfg)
			default:
				return configError("table %s: association %s has unknown type %q", alias, a.Name, a.Type)
			}
		}
	}
	return nil
}
