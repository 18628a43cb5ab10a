package calico

import (
	"context"
	"fmt"
	"strings"

	"github.com/ovs-container-lab/calico-libnetwork/pkg/store"
	"github.com/pkg/errors"
)

const profilePrefix = "/calico/v1/policy/profile/"

// Rule is a single profile rule
type Rule struct {
	Action string `json:"action"`
	SrcTag string `json:"src_tag,omitempty"`
}

// Rules is the rule set of a profile
type Rules struct {
	Inbound  []Rule `json:"inbound_rules"`
	Outbound []Rule `json:"outbound_rules"`
}

// Profile is a named policy. The plugin creates one per network that tags
// its members and lets them talk to each other.
type Profile struct {
	Name  string   `json:"-"`
	Tags  []string `json:"tags"`
	Rules Rules    `json:"rules"`
}

func profileKey(name string) string {
	return profilePrefix + name
}

// CreateProfile creates the default profile for name: members carry the tag
// name, inbound traffic is allowed from the tag, outbound traffic is allowed.
// An existing profile is left untouched.
func (c *Client) CreateProfile(ctx context.Context, name string) error {
	profile := Profile{
		Name: name,
		Tags: []string{name},
		Rules: Rules{
			Inbound:  []Rule{{Action: "allow", SrcTag: name}},
			Outbound: []Rule{{Action: "allow"}},
		},
	}

	err := c.createJSON(ctx, profileKey(name), profile)
	if errors.Is(err, store.ErrExists) {
		return nil
	}
	return err
}

// GetProfile returns the profile called name
func (c *Client) GetProfile(ctx context.Context, name string) (*Profile, error) {
	var profile Profile
	if err := c.getJSON(ctx, profileKey(name), &profile); err != nil {
		return nil, err
	}
	profile.Name = name
	return &profile, nil
}

// RemoveProfile deletes the profile called name. It fails with
// ErrProfileInUse while any endpoint lists the profile and with ErrNotFound
// when there is no such profile.
func (c *Client) RemoveProfile(ctx context.Context, name string) error {
	endpoints, err := c.listEndpoints(ctx)
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		for _, id := range ep.ProfileIDs {
			if id == name {
				return errors.Wrap(ErrProfileInUse, fmt.Sprintf("profile %s used by endpoint %s", name, ep.EndpointID))
			}
		}
	}
	return c.store.Delete(ctx, profileKey(name))
}

// ListProfiles returns the names of all profiles
func (c *Client) ListProfiles(ctx context.Context) ([]string, error) {
	kvs, err := c.store.List(ctx, profilePrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		names = append(names, strings.TrimPrefix(kv.Key, profilePrefix))
	}
	return names, nil
}
