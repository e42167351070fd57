package permissions

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// Keyfile group and key names of the permission document format.
const (
	groupContext          = "Context"
	groupSessionBusPolicy = "Session Bus Policy"
	groupSystemBusPolicy  = "System Bus Policy"
	groupEnvironment      = "Environment"
	groupPolicyPrefix     = "Policy "

	keyShared      = "shared"
	keySockets     = "sockets"
	keyDevices     = "devices"
	keyFeatures    = "features"
	keyFilesystems = "filesystems"
	keyPersistent  = "persistent"
	keyUnsetEnv    = "unset-environment"
)

var (
	// ErrSyntax reports a malformed permission document.
	ErrSyntax = errors.New("permission document syntax error")

	// ErrDuplicateKey reports a variable both set and unset in one document.
	ErrDuplicateKey = errors.New("duplicate key")
)

// loadOptions keeps ';'-separated list values intact: the keyfile format
// uses ';' as a list separator, not an inline comment marker.
var loadOptions = ini.LoadOptions{IgnoreInlineComment: true}

// Load parses a permission document. Unknown permission words are errors;
// use LoadLenient for override documents that must tolerate them.
func Load(data []byte) (*Context, error) {
	c, warnings, err := load(data, false)
	if err != nil {
		return nil, err
	}

	if len(warnings) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrSyntax, warnings[0])
	}

	return c, nil
}

// LoadLenient parses a permission document, collecting unknown permission
// words as warnings instead of failing. Newer metadata stays loadable on
// older launchers this way.
func LoadLenient(data []byte) (*Context, []string, error) {
	return load(data, true)
}

func load(data []byte, lenient bool) (*Context, []string, error) {
	file, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	c := New()

	var warnings []string

	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	sec := file.Section(groupContext)

	err = errors.Join(
		parseBitsetList(sec.Key(keyShared).Value(), shareNames, lenient, warn, func(bit Shares, neg bool) {
			c.SharesValid |= bit
			if !neg {
				c.Shares |= bit
			}
		}),
		parseBitsetList(sec.Key(keySockets).Value(), socketNames, lenient, warn, func(bit Sockets, neg bool) {
			c.SocketsValid |= bit
			if !neg {
				c.Sockets |= bit
			}
		}),
		parseBitsetList(sec.Key(keyDevices).Value(), deviceNames, lenient, warn, func(bit Devices, neg bool) {
			c.DevicesValid |= bit
			if !neg {
				c.Devices |= bit
			}
		}),
		parseBitsetList(sec.Key(keyFeatures).Value(), featureNames, lenient, warn, func(bit Features, neg bool) {
			c.FeaturesValid |= bit
			if !neg {
				c.Features |= bit
			}
		}),
	)
	if err != nil {
		return nil, nil, err
	}

	for _, item := range splitList(sec.Key(keyFilesystems).Value()) {
		entry, parseErr := ParseFilesystem(item, false)
		if parseErr != nil {
			if lenient {
				warn("ignoring filesystem entry %q: %v", item, parseErr)

				continue
			}

			return nil, nil, parseErr
		}

		c.SetFilesystem(entry.Token, entry.Mode)
	}

	for _, item := range splitList(sec.Key(keyPersistent).Value()) {
		if !contains(c.Persistent, item) {
			c.Persistent = append(c.Persistent, item)
		}
	}

	for _, name := range splitList(sec.Key(keyUnsetEnv).Value()) {
		c.Env[name] = EnvValue{Unset: true}
	}

	err = loadBusPolicy(file, groupSessionBusPolicy, c.SessionBusPolicy, lenient, warn)
	if err != nil {
		return nil, nil, err
	}

	err = loadBusPolicy(file, groupSystemBusPolicy, c.SystemBusPolicy, lenient, warn)
	if err != nil {
		return nil, nil, err
	}

	if envSec, secErr := file.GetSection(groupEnvironment); secErr == nil {
		for _, key := range envSec.Keys() {
			name, value := key.Name(), key.Value()

			if prev, ok := c.Env[name]; ok && prev.Unset && value != "" {
				return nil, nil, fmt.Errorf("%w: %q is both unset and set", ErrDuplicateKey, name)
			}

			if value == "" {
				// An empty value is an explicit unset.
				c.Env[name] = EnvValue{Unset: true}

				continue
			}

			c.Env[name] = EnvValue{Value: value}
		}
	}

	for _, section := range file.Sections() {
		name := section.Name()
		if !strings.HasPrefix(name, groupPolicyPrefix) {
			continue
		}

		prefix := strings.TrimPrefix(name, groupPolicyPrefix)
		if prefix == "" {
			return nil, nil, fmt.Errorf("%w: empty policy prefix", ErrSyntax)
		}

		for _, key := range section.Keys() {
			policyKey := prefix + "." + key.Name()

			for _, v := range splitList(key.Value()) {
				if !contains(c.GenericPolicy[policyKey], v) {
					c.GenericPolicy[policyKey] = append(c.GenericPolicy[policyKey], v)
				}
			}
		}
	}

	return c, warnings, nil
}

func parseBitsetList[B ~uint32](value string, names map[B]string, lenient bool, warn func(string, ...any), apply func(bit B, neg bool)) error {
	if value == "" {
		return nil
	}

	byName := make(map[string]B, len(names))
	for bit, name := range names {
		byName[name] = bit
	}

	for _, item := range splitList(value) {
		neg := strings.HasPrefix(item, "!")
		word := strings.TrimPrefix(item, "!")

		bit, ok := byName[word]
		if !ok {
			if lenient {
				warn("ignoring unknown permission %q", word)

				continue
			}

			return fmt.Errorf("%w: unknown permission %q", ErrSyntax, word)
		}

		apply(bit, neg)
	}

	return nil
}

func loadBusPolicy(file *ini.File, group string, dst map[string]BusPolicy, lenient bool, warn func(string, ...any)) error {
	section, err := file.GetSection(group)
	if err != nil {
		return nil
	}

	for _, key := range section.Keys() {
		name := key.Name()

		nameErr := ValidateBusName(name)
		if nameErr != nil {
			if lenient {
				warn("ignoring bus name %q: %v", name, nameErr)

				continue
			}

			return nameErr
		}

		policy, policyErr := ParseBusPolicy(key.Value())
		if policyErr != nil {
			if lenient {
				warn("ignoring policy for %q: %v", name, policyErr)

				continue
			}

			return policyErr
		}

		dst[name] = policy
	}

	return nil
}

// splitList splits a semicolon-separated list value, honoring backslash
// escapes and dropping empty items (lists are conventionally
// semicolon-terminated).
func splitList(value string) []string {
	if value == "" {
		return nil
	}

	var items []string

	var current strings.Builder

	escaped := false

	for i := 0; i < len(value); i++ {
		if escaped {
			current.WriteByte(value[i])

			escaped = false

			continue
		}

		switch value[i] {
		case '\\':
			current.WriteByte('\\')
			escaped = true
		case ';':
			if current.Len() > 0 {
				items = append(items, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(value[i])
		}
	}

	if current.Len() > 0 {
		items = append(items, current.String())
	}

	return items
}

// Save serializes the context back into keyfile form. With flatten set,
// negation entries collapse: valid-but-denied bits and ModeNone filesystem
// entries are omitted instead of written as "!...".
func (c *Context) Save(flatten bool) ([]byte, error) {
	file := ini.Empty(loadOptions)

	sec, err := file.NewSection(groupContext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	setListKey(sec, keyShared, bitsetList(uint32(c.Shares), uint32(c.SharesValid), uint32(sharesMax), flatten, func(b uint32) string { return shareNames[Shares(b)] }))
	setListKey(sec, keySockets, bitsetList(uint32(c.Sockets), uint32(c.SocketsValid), uint32(socketsMax), flatten, func(b uint32) string { return socketNames[Sockets(b)] }))
	setListKey(sec, keyDevices, bitsetList(uint32(c.Devices), uint32(c.DevicesValid), uint32(devicesMax), flatten, func(b uint32) string { return deviceNames[Devices(b)] }))
	setListKey(sec, keyFeatures, bitsetList(uint32(c.Features), uint32(c.FeaturesValid), uint32(featuresMax), flatten, func(b uint32) string { return featureNames[Features(b)] }))

	var fsItems []string

	for _, e := range c.Filesystems {
		if flatten && e.Mode == ModeNone {
			continue
		}

		fsItems = append(fsItems, FormatFilesystem(e))
	}

	setListKey(sec, keyFilesystems, fsItems)
	setListKey(sec, keyPersistent, c.Persistent)

	var unset []string

	for _, name := range sortedKeys(c.Env) {
		if c.Env[name].Unset {
			unset = append(unset, name)
		}
	}

	setListKey(sec, keyUnsetEnv, unset)

	err = errors.Join(
		saveBusPolicy(file, groupSessionBusPolicy, c.SessionBusPolicy),
		saveBusPolicy(file, groupSystemBusPolicy, c.SystemBusPolicy),
	)
	if err != nil {
		return nil, err
	}

	hasSetEnv := false

	for _, v := range c.Env {
		if !v.Unset {
			hasSetEnv = true

			break
		}
	}

	if hasSetEnv {
		envSec, secErr := file.NewSection(groupEnvironment)
		if secErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrSyntax, secErr)
		}

		for _, name := range sortedKeys(c.Env) {
			if c.Env[name].Unset {
				continue
			}

			_, keyErr := envSec.NewKey(name, c.Env[name].Value)
			if keyErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrSyntax, keyErr)
			}
		}
	}

	err = savePolicyGroups(file, c.GenericPolicy)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	_, err = file.WriteTo(&buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	return buf.Bytes(), nil
}

func bitsetList(value, valid, max uint32, flatten bool, name func(uint32) string) []string {
	var items []string

	for b := uint32(1); b < max; b <<= 1 {
		if valid&b == 0 {
			continue
		}

		switch {
		case value&b != 0:
			items = append(items, name(b))
		case !flatten:
			items = append(items, "!"+name(b))
		}
	}

	return items
}

func setListKey(sec *ini.Section, name string, items []string) {
	if len(items) == 0 {
		return
	}

	sec.Key(name).SetValue(strings.Join(items, ";") + ";")
}

func saveBusPolicy(file *ini.File, group string, policies map[string]BusPolicy) error {
	if len(policies) == 0 {
		return nil
	}

	sec, err := file.NewSection(group)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	for _, name := range sortedKeys(policies) {
		_, err = sec.NewKey(name, policies[name].String())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSyntax, err)
		}
	}

	return nil
}

func savePolicyGroups(file *ini.File, policy map[string][]string) error {
	// Group "<prefix>.<key>" entries back into their "[Policy <prefix>]"
	// sections.
	grouped := make(map[string]map[string][]string)

	for _, full := range sortedKeys(policy) {
		prefix, key, ok := strings.Cut(full, ".")
		if !ok {
			return fmt.Errorf("%w: malformed policy key %q", ErrSyntax, full)
		}

		if grouped[prefix] == nil {
			grouped[prefix] = make(map[string][]string)
		}

		grouped[prefix][key] = policy[full]
	}

	for _, prefix := range sortedKeys(grouped) {
		sec, err := file.NewSection(groupPolicyPrefix + prefix)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSyntax, err)
		}

		for _, key := range sortedKeys(grouped[prefix]) {
			setListKey(sec, key, grouped[prefix][key])
		}
	}

	return nil
}
