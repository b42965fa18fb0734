package fault

import (
	"context"

	"github.com/eniac111/faultops/internal/types"
	"github.com/spf13/cast"
)

// Payload is the JSON document posted to a fault path.
type Payload map[string]interface{}

// PIDResolver turns a symbolic JVM process name into a pid on the target.
type PIDResolver func(ctx context.Context, process, user string) (int, error)

// InjectionHomeDir returns the directory the control plane stages its agent
// in.
func InjectionHomeDir(params map[string]interface{}) string {
	if present(params, ParamInjectionHomeDir) {
		if dir := cast.ToString(params[ParamInjectionHomeDir]); dir != "" {
			return dir
		}
	}
	return DefaultInjectionHomeDir
}

// Build validates params and returns the payload for endpointName. resolve
// is only called for application faults naming a symbolic process.
func (s *Schema) Build(ctx context.Context, params map[string]interface{}, endpointName string, resolve PIDResolver) (Payload, error) {
	if err := s.Validate(params); err != nil {
		return nil, err
	}

	p := Payload{
		"injectionHomeDir": InjectionHomeDir(params),
		"endpointName":     endpointName,
		"randomEndpoint":   false,
	}
	if present(params, ParamTimeout) {
		timeout, _ := intParam(params, ParamTimeout)
		p["timeoutInMilliseconds"] = timeout * 1000
	}

	for _, f := range s.fields {
		if !present(params, f.param) {
			if f.def != nil {
				p[f.wire] = f.def
			}
			continue
		}
		v, err := coerce(f, params)
		if err != nil {
			return nil, err
		}
		p[f.wire] = v
	}

	schedule, err := BuildSchedule(params[ParamScheduleEpochTime], params[ParamScheduleCron])
	if err != nil {
		return nil, err
	}
	if schedule != nil {
		p["schedule"] = schedule
	}
	if present(params, ParamTags) {
		tags, _ := cast.ToStringMapStringE(params[ParamTags])
		if len(tags) > 0 {
			p["tags"] = tags
		}
	}

	switch {
	case s.Subtype == ProcessKill:
		kill, err := killTarget(params)
		if err != nil {
			return nil, err
		}
		for k, v := range kill {
			p[k] = v
		}
	case s.Subtype == Network:
		nw, err := networkFields(params)
		if err != nil {
			return nil, err
		}
		for k, v := range nw {
			p[k] = v
		}
	}

	if s.Category == types.CategoryApp {
		props, err := s.jvmProperties(ctx, params, resolve)
		if err != nil {
			return nil, err
		}
		p["jvmProperties"] = props
	}
	return p, nil
}

func (s *Schema) jvmProperties(ctx context.Context, params map[string]interface{}, resolve PIDResolver) (map[string]interface{}, error) {
	j, err := jvmFields(params)
	if err != nil {
		return nil, err
	}
	pid := j.process.pid
	if j.process.symbolic != "" {
		if resolve == nil {
			return nil, invalid(ParamJVMProcess, "symbolic process %q needs a remote lookup", j.process.symbolic)
		}
		if pid, err = resolve(ctx, j.process.symbolic, j.user); err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{
		"javaHomePath": j.javaHome,
		"jvmprocess":   pid,
		"user":         j.user,
		"port":         j.port,
	}, nil
}
