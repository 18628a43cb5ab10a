package driver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ovs-container-lab/calico-libnetwork/pkg/errdefs"
	"github.com/ovs-container-lab/calico-libnetwork/pkg/types"
)

// networkOptions are the pool settings taken from --opt
type networkOptions struct {
	IPIP       bool
	Masquerade bool
}

var knownOptions = map[string]bool{
	types.EnableIPv4Key: true,
	types.EnableIPv6Key: true,
}

var knownGenericOptions = map[string]bool{
	types.OptionIPIP:        true,
	types.OptionNATOutgoing: true,
}

// parseNetworkOptions rejects the docker network create flags the driver
// does not support and returns the generic options it does.
func parseNetworkOptions(opts map[string]interface{}) (networkOptions, error) {
	var parsed networkOptions

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if knownOptions[k] {
			continue
		}

		switch v := opts[k].(type) {
		case bool:
			if v {
				return parsed, unsupported([]string{"--" + strings.TrimPrefix(k, "com.docker.network.")}, "")
			}
		case map[string]interface{}:
			var unknown []string
			for flag, value := range v {
				if k == types.GenericOptionsKey && knownGenericOptions[flag] {
					set, err := optionBool(flag, value)
					if err != nil {
						return parsed, err
					}
					switch flag {
					case types.OptionIPIP:
						parsed.IPIP = set
					case types.OptionNATOutgoing:
						parsed.Masquerade = set
					}
					continue
				}
				unknown = append(unknown, flag)
			}
			if len(unknown) > 0 {
				sort.Strings(unknown)
				return parsed, unsupported(unknown, "")
			}
		default:
			return parsed, unsupported([]string{k}, fmt.Sprintf("%v", v))
		}
	}

	return parsed, nil
}

func unsupported(flags []string, value string) error {
	noun := "flag"
	if len(flags) > 1 {
		noun = "flags"
	}
	if value != "" {
		value = " (" + value + ")"
	}
	return errdefs.Inputf("Calico driver does not support the %s %s%s.", noun, strings.Join(flags, ", "), value)
}

func optionBool(name string, value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		if v == "" {
			return true, nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, errdefs.Inputf("Invalid value %q for option %s", v, name)
		}
		return b, nil
	default:
		return false, errdefs.Inputf("Invalid value %v for option %s", v, name)
	}
}
