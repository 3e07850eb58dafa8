// Package config reads HCL configuration with include support.
package config

import (
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/fleetlink/fleetlink/helpers"
	"github.com/fleetlink/fleetlink/log2"
)

// Well-known default ports: agents accept commands on 3939, hosts accept
// probes and records on 4949.
const (
	DefaultCommandPort = 3939
	DefaultHostPort    = 4949
)

type Config struct { //nolint:maligned
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	Listen struct {
		Port     int    `hcl:"port"`
		Secret   string `hcl:"secret"` // secret
		StaleSec int    `hcl:"stale_sec"`
		Ack      bool   `hcl:"ack"`
	} `hcl:"listen"`

	Ident struct {
		DeviceID     string `hcl:"device_id"`
		DeviceName   string `hcl:"device_name"`
		Platform     string `hcl:"platform"`
		BuildVersion string `hcl:"build_version"`
		Scene        string `hcl:"scene"`
	} `hcl:"ident"`

	Discovery struct {
		Enable     bool `hcl:"enable"`
		HostPort   int  `hcl:"host_port"`
		TimeoutSec int  `hcl:"timeout_sec"`
		RetrySec   int  `hcl:"retry_sec"`
		Attempts   int  `hcl:"attempts"`
	} `hcl:"discovery"`

	HeartbeatSec int `hcl:"heartbeat_sec"`

	Host struct {
		Name        string `hcl:"name"`
		Address     string `hcl:"address"`
		LivenessSec int    `hcl:"liveness_sec"`
		CommandPort int    `hcl:"command_port"`
	} `hcl:"host"`

	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := osfs.SplitBase(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultCommandPort
	}
	if c.Discovery.HostPort == 0 {
		c.Discovery.HostPort = DefaultHostPort
	}
	if c.Host.CommandPort == 0 {
		c.Host.CommandPort = DefaultCommandPort
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
