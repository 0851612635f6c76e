// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.
package plugin

import (
	"sort"
	"strings"
	"sync"

	"github.com/kaito-project/finetune/pkg/model"
)

type Registration struct {
	Name     string
	Instance model.Model
}

type ModelRegister struct {
	sync.RWMutex
	models map[string]*Registration
}

var KaitoModelRegister ModelRegister

// Register allows model to be added
func (reg *ModelRegister) Register(r *Registration) {
	reg.Lock()
	defer reg.Unlock()
	if r.Name == "" {
		panic("model name is not specified")
	}

	if reg.models == nil {
		reg.models = make(map[string]*Registration)
	}

	reg.models[r.Name] = r
}

func (reg *ModelRegister) MustGet(name string) model.Model {
	reg.RLock()
	defer reg.RUnlock()
	if _, ok := reg.models[name]; ok {
		return reg.models[name].Instance
	}
	panic("model is not registered")
}

func (reg *ModelRegister) ListModelNames() []string {
	reg.RLock()
	defer reg.RUnlock()
	n := []string{}
	for k := range reg.models {
		n = append(n, k)
	}
	sort.Strings(n)
	return n
}

func (reg *ModelRegister) Has(name string) bool {
	reg.RLock()
	defer reg.RUnlock()
	_, ok := reg.models[name]
	return ok
}

// ForArchitecture returns the registered family whose architecture prefix
// matches arch (case-insensitive). The longest matching prefix wins.
func (reg *ModelRegister) ForArchitecture(arch string) (string, bool) {
	reg.RLock()
	defer reg.RUnlock()
	lowerArch := strings.ToLower(arch)
	best, bestLen := "", 0
	for name, r := range reg.models {
		if !r.Instance.SupportTuning() {
			continue
		}
		for _, prefix := range r.Instance.GetTuningParameters().ArchitecturePrefixes {
			if strings.HasPrefix(lowerArch, strings.ToLower(prefix)) && len(prefix) > bestLen {
				best, bestLen = name, len(prefix)
			}
		}
	}
	return best, best != ""
}
