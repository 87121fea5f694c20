// Package scheduler implements the dispatch core's pure planning functions
// (spec.md §4.2, C2): the staged service schedule for a file, per-service
// timeout/failure-limit lookups, and the deterministic result/config
// fingerprints the file dispatcher uses for result-cache lookups.
package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/scriptweaver/dispatchcore/internal/config"
	"github.com/scriptweaver/dispatchcore/internal/model"
)

// Stage is one set of service names that may be dispatched in parallel. A
// schedule is an ordered sequence of stages; a later stage only starts once
// every service in every earlier stage is terminal (spec.md §4.2).
type Stage struct {
	Services []model.ServiceName
}

// BuildSchedule computes the staged service list for a (submission, file
// type). It is a pure function of its arguments only (spec.md §3 invariant
// 2: schedules are a pure function of (file_type, submission.params) and
// must never be recomputed differently once cached).
//
// Services are grouped by their configured Stage (ascending) and, within a
// stage, ordered lexicographically so two calls with the same config produce
// an identical schedule regardless of map iteration order.
func BuildSchedule(cfg *config.Config, params model.SubmissionParams, fileType string) []Stage {
	byStage := map[int][]model.ServiceName{}
	for name, sc := range cfg.Services {
		if !params.IgnoreFiltering && !appliesToFileType(sc, fileType) {
			continue
		}
		byStage[sc.Stage] = append(byStage[sc.Stage], model.ServiceName(name))
	}

	stageNums := make([]int, 0, len(byStage))
	for n := range byStage {
		stageNums = append(stageNums, n)
	}
	sort.Ints(stageNums)

	stages := make([]Stage, 0, len(stageNums))
	for _, n := range stageNums {
		services := byStage[n]
		sort.Slice(services, func(i, j int) bool { return services[i] < services[j] })
		stages = append(stages, Stage{Services: services})
	}
	return stages
}

func appliesToFileType(sc config.ServiceConfig, fileType string) bool {
	if len(sc.FileTypes) == 0 {
		return true
	}
	for _, t := range sc.FileTypes {
		if t == fileType {
			return true
		}
	}
	return false
}

// ServiceTimeout returns the configured wallclock budget for a service
// (spec.md §4.2 service_timeout).
func ServiceTimeout(cfg *config.Config, service model.ServiceName) int64 {
	return int64(cfg.ServiceTimeout(string(service)).Seconds())
}

// ServiceFailureLimit returns the configured non-fatal-error budget for a
// service (spec.md §4.2 service_failure_limit).
func ServiceFailureLimit(cfg *config.Config, service model.ServiceName) int {
	return cfg.ServiceFailureLimit(string(service))
}

// BuildServiceConfig resolves a service's effective configuration: its
// configured defaults overlaid by any per-submission override from
// SubmissionParams.ServiceSpec (spec.md §4.2 build_service_config), rendered
// as a canonical "key=value" line per entry, sorted by key, so the result is
// stable input to BuildResultKey.
func BuildServiceConfig(cfg *config.Config, params model.SubmissionParams, service model.ServiceName) string {
	effective := map[string]string{}
	if sc, ok := cfg.Services[string(service)]; ok {
		for k, v := range sc.Defaults {
			effective[k] = v
		}
	}
	if override, ok := params.ServiceSpec[string(service)]; ok {
		for k, v := range override {
			effective[k] = v
		}
	}

	keys := make([]string, 0, len(effective))
	for k := range effective {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(effective[k])
	}
	return b.String()
}

// BuildResultKey computes the deterministic fingerprint used to look up a
// cached result (spec.md §4.2 build_result_key, §4.6). The construction
// length-prefixes each field before hashing, the same technique the pack's
// DAG task-definition hash uses to avoid field-boundary ambiguity (e.g.
// "ab"+"c" colliding with "a"+"bc").
func BuildResultKey(file model.FileHash, service model.ServiceName, serviceConfig string) string {
	h := sha256.New()
	writeField := func(s string) {
		n := uint64(len(s))
		var lenBytes [8]byte
		for i := 0; i < 8; i++ {
			lenBytes[7-i] = byte(n >> (8 * i))
		}
		h.Write(lenBytes[:])
		h.Write([]byte(s))
	}
	writeField(string(file))
	writeField(string(service))
	writeField(serviceConfig)
	return hex.EncodeToString(h.Sum(nil))
}
