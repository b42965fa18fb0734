// Package fault builds and submits fault payloads.
//
// Every (category, subtype) pair has a Schema naming its required and
// optional parameters and how they map onto control-plane field names.
// Parameters arrive as a loosely typed map (from YAML or the CLI) and are
// coerced with cast before they reach the wire.
package fault

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/eniac111/faultops/internal/types"
	"github.com/spf13/cast"
)

// Subtypes.
const (
	CPU              = "CPU"
	Memory           = "MEMORY"
	DiskIO           = "DISKIO"
	DiskSpace        = "DISKSPACE"
	FileHandlerLeak  = "FILEHANDLERLEAK"
	KernelPanic      = "KERNELPANIC"
	ProcessKill      = "PROCESSKILL"
	StopService      = "STOPSVC"
	ClockSkew        = "CLOCKSKEW"
	NetworkPartition = "NWPARTITION"
	Network          = "NETWORK"
	ThreadLeak       = "THREADLEAK"
)

// Parameter names accepted in a FaultRequest.
const (
	ParamTimeout           = "timeout"
	ParamCPULoad           = "cpuload"
	ParamMemoryLoad        = "memoryload"
	ParamIOSize            = "iosize"
	ParamDiskLoad          = "diskload"
	ParamTargetDir         = "target_dir"
	ParamProcessDescriptor = "process_descriptor"
	ParamProcessID         = "process_id"
	ParamRemediationCmd    = "remediation_cmd"
	ParamServiceName       = "svc_name"
	ParamClockSkewOper     = "clock_skew_oper"
	ParamSeconds           = "seconds"
	ParamMinutes           = "minutes"
	ParamHours             = "hours"
	ParamDays              = "days"
	ParamHosts             = "hosts"
	ParamNetworkFaultType  = "nw_fault_type"
	ParamNICName           = "nicname"
	ParamLatency           = "latency"
	ParamPercentage        = "percentage"
	ParamJavaHomePath      = "java_home_path"
	ParamJVMProcess        = "jvm_process"
	ParamUser              = "user"
	ParamFreePort          = "free_port"
	ParamOOMRequired       = "oom_req"
	ParamInjectionHomeDir  = "injection_homedir"
	ParamScheduleEpochTime = "schedule_epoch_time"
	ParamScheduleCron      = "schedule_cron_exp"
	ParamTags              = "tags"
)

const (
	DefaultInjectionHomeDir = "/tmp"
	DefaultFreePort         = 9091
)

// NetworkOperations maps nw_fault_type onto the control plane's fault
// operation names.
var NetworkOperations = map[string]string{
	"DELAY":     "NETWORK_DELAY_MILLISECONDS",
	"DUPLICATE": "PACKET_DUPLICATE_PERCENTAGE",
	"CORRUPT":   "PACKET_CORRUPT_PERCENTAGE",
	"LOSS":      "PACKET_LOSS_PERCENTAGE",
}

type kind int

const (
	kindInt kind = iota
	kindPercent
	kindString
	kindStrings
	kindBool
)

// field maps one caller parameter onto one wire field.
type field struct {
	param string
	wire  string
	kind  kind
	def   interface{}
}

// Schema describes one fault subtype.
type Schema struct {
	Category types.Category
	Subtype  string
	Path     string

	required []string
	fields   []field

	// optional parameters handled outside fields
	extra []string

	// timeout is optional for subtypes that run once
	timeoutOptional bool
}

// Required returns the parameters the caller must supply.
func (s *Schema) Required() []string {
	return append([]string(nil), s.required...)
}

// Optional returns the parameters the caller may supply with their
// defaults. A nil default means the field is omitted when absent.
func (s *Schema) Optional() map[string]interface{} {
	out := map[string]interface{}{
		ParamInjectionHomeDir:  DefaultInjectionHomeDir,
		ParamScheduleEpochTime: nil,
		ParamScheduleCron:      nil,
		ParamTags:              nil,
	}
	for _, f := range s.fields {
		if !s.isRequired(f.param) {
			out[f.param] = f.def
		}
	}
	for _, p := range s.extra {
		out[p] = nil
	}
	if s.timeoutOptional {
		out[ParamTimeout] = nil
	}
	if s.Category == types.CategoryApp {
		out[ParamFreePort] = DefaultFreePort
	}
	return out
}

func (s *Schema) isRequired(param string) bool {
	for _, r := range s.required {
		if r == param {
			return true
		}
	}
	return false
}

type key struct {
	category types.Category
	subtype  string
}

var (
	jvmRequired = []string{ParamTimeout, ParamJavaHomePath, ParamJVMProcess, ParamUser}

	schemas = map[key]*Schema{}
)

func register(s *Schema) {
	schemas[key{s.Category, s.Subtype}] = s
}

func init() {
	infra := types.CategoryInfra
	app := types.CategoryApp

	register(&Schema{Category: infra, Subtype: CPU, Path: "cpu",
		required: []string{ParamCPULoad, ParamTimeout},
		fields:   []field{{param: ParamCPULoad, wire: "cpuLoad", kind: kindPercent}}})
	register(&Schema{Category: infra, Subtype: Memory, Path: "memory",
		required: []string{ParamMemoryLoad, ParamTimeout},
		fields:   []field{{param: ParamMemoryLoad, wire: "memoryLoad", kind: kindPercent}}})
	register(&Schema{Category: infra, Subtype: DiskIO, Path: "diskIO",
		required: []string{ParamIOSize, ParamTargetDir, ParamTimeout},
		fields: []field{
			{param: ParamIOSize, wire: "ioSize", kind: kindInt},
			{param: ParamTargetDir, wire: "targetDir", kind: kindString},
		}})
	register(&Schema{Category: infra, Subtype: DiskSpace, Path: "disk-space",
		required: []string{ParamDiskLoad, ParamTargetDir, ParamTimeout},
		fields: []field{
			{param: ParamDiskLoad, wire: "diskFillSize", kind: kindPercent},
			{param: ParamTargetDir, wire: "directoryPath", kind: kindString},
		}})
	register(&Schema{Category: infra, Subtype: FileHandlerLeak, Path: "filehandler-leak",
		required: []string{ParamTimeout}})
	register(&Schema{Category: infra, Subtype: KernelPanic, Path: "kernel-panic",
		required: []string{ParamTimeout}})
	register(&Schema{Category: infra, Subtype: ProcessKill, Path: "kill-process",
		fields:          []field{{param: ParamRemediationCmd, wire: "remediationCommand", kind: kindString}},
		extra:           []string{ParamProcessDescriptor, ParamProcessID},
		timeoutOptional: true})
	register(&Schema{Category: infra, Subtype: StopService, Path: "stop-service",
		required: []string{ParamServiceName, ParamTimeout},
		fields:   []field{{param: ParamServiceName, wire: "serviceName", kind: kindString}}})
	register(&Schema{Category: infra, Subtype: ClockSkew, Path: "clockSkew",
		required: []string{ParamClockSkewOper, ParamTimeout},
		fields: []field{
			{param: ParamClockSkewOper, wire: "clockSkewOperation", kind: kindString},
			{param: ParamSeconds, wire: "seconds", kind: kindInt, def: 0},
			{param: ParamMinutes, wire: "minutes", kind: kindInt, def: 0},
			{param: ParamHours, wire: "hours", kind: kindInt, def: 0},
			{param: ParamDays, wire: "days", kind: kindInt, def: 0},
		}})
	register(&Schema{Category: infra, Subtype: NetworkPartition, Path: "network-partition",
		required: []string{ParamHosts, ParamTimeout},
		fields:   []field{{param: ParamHosts, wire: "hosts", kind: kindStrings}}})
	register(&Schema{Category: infra, Subtype: Network, Path: "network-fault",
		required: []string{ParamNetworkFaultType, ParamNICName, ParamTimeout},
		fields:   []field{{param: ParamNICName, wire: "nicName", kind: kindString}},
		extra:    []string{ParamLatency, ParamPercentage}})

	register(&Schema{Category: app, Subtype: CPU, Path: "cpu",
		required: append([]string{ParamCPULoad}, jvmRequired...),
		fields:   []field{{param: ParamCPULoad, wire: "cpuLoad", kind: kindPercent}}})
	register(&Schema{Category: app, Subtype: Memory, Path: "memory",
		required: append([]string{ParamMemoryLoad}, jvmRequired...),
		fields:   []field{{param: ParamMemoryLoad, wire: "memoryLoad", kind: kindPercent}}})
	register(&Schema{Category: app, Subtype: FileHandlerLeak, Path: "filehandler-leak",
		required: jvmRequired})
	register(&Schema{Category: app, Subtype: ThreadLeak, Path: "thread-leak",
		required: jvmRequired,
		fields:   []field{{param: ParamOOMRequired, wire: "enableOOM", kind: kindBool, def: true}}})
}

// Lookup returns the schema for a category and subtype. The subtype is
// case-insensitive.
func Lookup(category types.Category, subtype string) (*Schema, error) {
	s, ok := schemas[key{category, strings.ToUpper(strings.TrimSpace(subtype))}]
	if !ok {
		return nil, &types.ValidationError{
			Field:  "subtype",
			Reason: fmt.Sprintf("unsupported %s fault %q, supported: %s", category, subtype, strings.Join(Subtypes(category), ", ")),
		}
	}
	return s, nil
}

// Subtypes lists the supported subtypes of a category, sorted.
func Subtypes(category types.Category) []string {
	var out []string
	for k := range schemas {
		if k.category == category {
			out = append(out, k.subtype)
		}
	}
	sort.Strings(out)
	return out
}

var userPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func present(params map[string]interface{}, name string) bool {
	v, ok := params[name]
	return ok && v != nil
}

func invalid(name, format string, args ...interface{}) error {
	return &types.ValidationError{Field: name, Reason: fmt.Sprintf(format, args...)}
}

func intParam(params map[string]interface{}, name string) (int, error) {
	v, err := cast.ToIntE(params[name])
	if err != nil {
		return 0, invalid(name, "expected an integer, got %v", params[name])
	}
	return v, nil
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	v, err := cast.ToStringE(params[name])
	if err != nil || strings.TrimSpace(v) == "" {
		return "", invalid(name, "expected a non-empty string, got %v", params[name])
	}
	return v, nil
}

func coerce(f field, params map[string]interface{}) (interface{}, error) {
	switch f.kind {
	case kindInt:
		v, err := intParam(params, f.param)
		if err == nil && v < 0 {
			err = invalid(f.param, "must not be negative, got %d", v)
		}
		return v, err
	case kindPercent:
		v, err := intParam(params, f.param)
		if err == nil && (v < 1 || v > 100) {
			err = invalid(f.param, "must be between 1 and 100, got %d", v)
		}
		return v, err
	case kindString:
		return stringParam(params, f.param)
	case kindStrings:
		v, err := cast.ToStringSliceE(params[f.param])
		if err != nil || len(v) == 0 {
			return nil, invalid(f.param, "expected a non-empty list, got %v", params[f.param])
		}
		return v, nil
	case kindBool:
		v, err := cast.ToBoolE(params[f.param])
		if err != nil {
			return nil, invalid(f.param, "expected a boolean, got %v", params[f.param])
		}
		return v, nil
	}
	return nil, invalid(f.param, "unsupported parameter kind")
}

// Validate checks params against the schema without touching the network:
// required parameters, unknown parameters, value types, and the
// subtype-specific combinations.
func (s *Schema) Validate(params map[string]interface{}) error {
	allowed := s.Optional()
	for _, r := range s.required {
		allowed[r] = nil
		if !present(params, r) {
			return invalid(r, "required for %s %s fault", s.Category, s.Subtype)
		}
	}
	var unknown []string
	for name := range params {
		if _, ok := allowed[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return invalid(unknown[0], "unknown parameter for %s %s fault", s.Category, s.Subtype)
	}

	if present(params, ParamTimeout) {
		timeout, err := intParam(params, ParamTimeout)
		if err != nil {
			return err
		}
		if timeout <= 0 {
			return invalid(ParamTimeout, "must be positive, got %d", timeout)
		}
	}
	for _, f := range s.fields {
		if !present(params, f.param) {
			continue
		}
		if _, err := coerce(f, params); err != nil {
			return err
		}
	}

	if _, err := BuildSchedule(params[ParamScheduleEpochTime], params[ParamScheduleCron]); err != nil {
		return err
	}
	if present(params, ParamTags) {
		if _, err := cast.ToStringMapStringE(params[ParamTags]); err != nil {
			return invalid(ParamTags, "expected a string map, got %v", params[ParamTags])
		}
	}
	if present(params, ParamInjectionHomeDir) {
		if _, err := stringParam(params, ParamInjectionHomeDir); err != nil {
			return err
		}
	}

	switch {
	case s.Subtype == ProcessKill:
		if _, err := killTarget(params); err != nil {
			return err
		}
	case s.Subtype == Network:
		if _, err := networkFields(params); err != nil {
			return err
		}
	case s.Category == types.CategoryApp:
		if _, err := jvmFields(params); err != nil {
			return err
		}
	}
	return nil
}

// killTarget returns the wire fields for exactly one of process_descriptor
// or process_id.
func killTarget(params map[string]interface{}) (map[string]interface{}, error) {
	hasName := present(params, ParamProcessDescriptor)
	hasID := present(params, ParamProcessID)
	switch {
	case hasName && hasID:
		return nil, invalid(ParamProcessDescriptor, "provide either %s or %s, not both", ParamProcessDescriptor, ParamProcessID)
	case !hasName && !hasID:
		return nil, invalid(ParamProcessDescriptor, "provide one of %s or %s", ParamProcessDescriptor, ParamProcessID)
	case hasName:
		name, err := stringParam(params, ParamProcessDescriptor)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"processIdentifier": name, "killAll": true}, nil
	}
	pid, err := intParam(params, ParamProcessID)
	if err != nil {
		return nil, err
	}
	if pid <= 0 {
		return nil, invalid(ParamProcessID, "must be positive, got %d", pid)
	}
	return map[string]interface{}{"processId": pid, "killAll": false}, nil
}

// networkFields maps nw_fault_type and its amount. DELAY takes latency in
// milliseconds, every other operation takes a percentage.
func networkFields(params map[string]interface{}) (map[string]interface{}, error) {
	kindName, err := stringParam(params, ParamNetworkFaultType)
	if err != nil {
		return nil, err
	}
	kindName = strings.ToUpper(kindName)
	op, ok := NetworkOperations[kindName]
	if !ok {
		return nil, invalid(ParamNetworkFaultType, "unknown network fault type %q", kindName)
	}
	out := map[string]interface{}{"faultOperation": op}
	if kindName == "DELAY" {
		if !present(params, ParamLatency) {
			return nil, invalid(ParamLatency, "required for DELAY network faults")
		}
		latency, err := intParam(params, ParamLatency)
		if err != nil {
			return nil, err
		}
		if latency <= 0 {
			return nil, invalid(ParamLatency, "must be positive, got %d", latency)
		}
		out["latency"] = latency
		return out, nil
	}
	if !present(params, ParamPercentage) {
		return nil, invalid(ParamPercentage, "required for %s network faults", kindName)
	}
	pct, err := coerce(field{param: ParamPercentage, kind: kindPercent}, params)
	if err != nil {
		return nil, err
	}
	out["percentage"] = pct
	return out, nil
}

// jvmTarget is the parsed jvm_process parameter.
type jvmTarget struct {
	pid      int
	symbolic string
}

type jvm struct {
	javaHome string
	process  jvmTarget
	user     string
	port     int
}

func jvmFields(params map[string]interface{}) (jvm, error) {
	var out jvm
	var err error
	if out.javaHome, err = stringParam(params, ParamJavaHomePath); err != nil {
		return out, err
	}
	if out.user, err = stringParam(params, ParamUser); err != nil {
		return out, err
	}
	if !userPattern.MatchString(out.user) {
		return out, invalid(ParamUser, "invalid user name %q", out.user)
	}
	out.port = DefaultFreePort
	if present(params, ParamFreePort) {
		if out.port, err = intParam(params, ParamFreePort); err != nil {
			return out, err
		}
		if out.port < 1 || out.port > 65535 {
			return out, invalid(ParamFreePort, "must be a valid port, got %d", out.port)
		}
	}

	// numbers, including numeric strings, are pids; anything else is a
	// symbolic name resolved on the target
	raw := params[ParamJVMProcess]
	if pid, err := cast.ToIntE(raw); err == nil {
		if pid <= 0 {
			return out, invalid(ParamJVMProcess, "pid must be positive, got %d", pid)
		}
		out.process.pid = pid
		return out, nil
	}
	name, err := stringParam(params, ParamJVMProcess)
	if err != nil {
		return out, err
	}
	out.process.symbolic = name
	return out, nil
}
