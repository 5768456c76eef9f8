package profiles

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/clawinfra/parlo/internal/types"
)

// overrideFile is the shape of profiles.toml:
//
//	default = "cucina"
//	core = ["handle_exit_intent", "continue_chat", "result_for_context"]
//
//	[profiles.cucina]
//	nome = "Chef"
//	functions = ["ricette", "timer_sveglia"]
//	aliases = ["cuoca"]
type overrideFile struct {
	Default  string                     `toml:"default"`
	Core     []types.FunctionName       `toml:"core"`
	Profiles map[string]overrideProfile `toml:"profiles"`
}

type overrideProfile struct {
	Profile
	Aliases []string `toml:"aliases"`
}

// LoadCatalog builds the built-in catalog and applies path on top of it.
// An empty path or a missing file yields the built-in catalog. Profiles in
// the file replace built-in profiles of the same name field by field.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultCatalog(), nil
		}
		return nil, fmt.Errorf("read profiles: %w", err)
	}

	var f overrideFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}

	byName := make(map[string]Profile)
	for _, p := range BuiltinProfiles() {
		byName[p.Name] = p
	}
	aliases := BuiltinAliases()

	names := make([]string, 0, len(f.Profiles))
	for name := range f.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		o := f.Profiles[name]
		p := byName[name]
		p.Name = name
		if o.Title != "" {
			p.Title = o.Title
		}
		if o.Description != "" {
			p.Description = o.Description
		}
		if o.Icon != "" {
			p.Icon = o.Icon
		}
		if o.Functions != nil {
			p.Functions = o.Functions
		}
		byName[name] = p
		aliases = append(aliases, Alias{Word: name, Profile: name})
		for _, a := range o.Aliases {
			aliases = append(aliases, Alias{Word: a, Profile: name})
		}
	}

	core := CoreFunctions
	if f.Core != nil {
		core = f.Core
	}
	def := DefaultProfile
	if f.Default != "" {
		def = f.Default
	}

	list := make([]Profile, 0, len(byName))
	for _, p := range byName {
		list = append(list, p)
	}
	return NewCatalog(core, list, aliases, def)
}
