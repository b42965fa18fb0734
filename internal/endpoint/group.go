package endpoint

import (
	"context"
	"fmt"

	"github.com/eniac111/faultops/internal/controlplane"
	"github.com/eniac111/faultops/internal/types"
	"go.uber.org/zap"
)

func groupSpec(name string, members []types.Endpoint) controlplane.EndpointSpec {
	names := make([]string, len(members))
	for i, ep := range members {
		names[i] = ep.Name
	}
	return controlplane.EndpointSpec{
		Name:              name,
		EndPointType:      controlplane.EndpointTypeGroup,
		EndpointGroupType: controlplane.EndpointTypeMachine,
		EndpointNames:     names,
	}
}

func validateMembers(members []types.Endpoint) error {
	if len(members) < 2 {
		return &types.ValidationError{Field: "endpoints", Reason: fmt.Sprintf("a group needs at least 2 endpoints, got %d", len(members))}
	}
	return nil
}

// FormGroup creates a group of members, in order. It does not look for an
// existing group first, so every call creates a new group resource. An
// empty name derives a fresh one.
func (p *Provisioner) FormGroup(ctx context.Context, members []types.Endpoint, name string) (types.EndpointGroup, error) {
	if err := validateMembers(members); err != nil {
		return types.EndpointGroup{}, err
	}
	if name == "" {
		name = GroupName()
	}
	spec := groupSpec(name, members)
	if _, err := p.api.CreateGroup(ctx, spec); err != nil {
		return types.EndpointGroup{}, fmt.Errorf("creating endpoint group %s: %w", name, err)
	}
	p.logger.Info("endpoint group created",
		zap.String("group", name),
		zap.Strings("members", spec.EndpointNames))
	return types.EndpointGroup{Name: name, Members: spec.EndpointNames}, nil
}

// EnsureGroup creates the named group, or points an existing group with
// that name at members.
func (p *Provisioner) EnsureGroup(ctx context.Context, members []types.Endpoint, name string) (types.EndpointGroup, error) {
	if err := validateMembers(members); err != nil {
		return types.EndpointGroup{}, err
	}
	if name == "" {
		return types.EndpointGroup{}, &types.ValidationError{Field: "group_name", Reason: "reusing a group needs an explicit name"}
	}
	exists, err := p.groupExists(ctx, name)
	if err != nil {
		return types.EndpointGroup{}, err
	}
	if !exists {
		return p.FormGroup(ctx, members, name)
	}

	spec := groupSpec(name, members)
	if _, err := p.api.UpdateGroup(ctx, spec); err != nil {
		return types.EndpointGroup{}, fmt.Errorf("updating endpoint group %s: %w", name, err)
	}
	p.logger.Info("endpoint group reused",
		zap.String("group", name),
		zap.Strings("members", spec.EndpointNames))
	return types.EndpointGroup{Name: name, Members: spec.EndpointNames}, nil
}

// DeleteGroup removes a group and waits until it is gone.
func (p *Provisioner) DeleteGroup(ctx context.Context, name string) error {
	if err := p.api.DeleteGroups(ctx, name); err != nil {
		return fmt.Errorf("deleting endpoint group %s: %w", name, err)
	}
	if err := p.awaitGone(ctx, "endpoint groups", p.groupNames, name); err != nil {
		return err
	}
	p.logger.Info("endpoint group deleted", zap.String("group", name))
	return nil
}
