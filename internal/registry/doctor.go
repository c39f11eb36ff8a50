package registry

import (
	"context"
	"fmt"
	"slices"

	"github.com/haasonsaas/loom/internal/agent/providers"
)

// Diagnosis is the result of probing one provider instance.
type Diagnosis struct {
	InstanceID string
	Family     string
	Endpoint   string

	// OK means the instance resolved and, where probing is possible, the
	// backend answered.
	OK bool

	// Detail is a one-line status for display.
	Detail string

	// Remediation suggests the next action when OK is false.
	Remediation string

	// Models lists remotely available models for local runners, or the
	// catalog models otherwise.
	Models []string
}

// Diagnose checks one instance: configuration, credential, and for local
// runners a live probe of the backend's model list.
func (r *Registry) Diagnose(ctx context.Context, instanceID string) *Diagnosis {
	d := &Diagnosis{InstanceID: instanceID}

	res, err := r.ResolveInstance(instanceID)
	if err != nil {
		d.Detail = err.Error()
		d.Remediation = "fix the instance configuration and re-run"
		return d
	}
	d.Family = res.Catalog.Family
	d.Endpoint = res.Instance.Endpoint

	if res.Catalog.Family != "ollama" {
		for _, m := range res.Catalog.Models {
			d.Models = append(d.Models, m.ID)
		}
		d.OK = true
		d.Detail = fmt.Sprintf("credential present, %d catalog model(s)", len(d.Models))
		return d
	}

	// Local runner: ask it what is actually pulled.
	ollama := providers.NewOllama(providers.Config{
		BaseURL: res.Instance.Endpoint,
		Timeout: res.Instance.Timeout(),
		Catalog: res.Catalog,
	})
	remote, err := ollama.ListModels(ctx)
	if err != nil {
		d.Detail = "backend unreachable: " + err.Error()
		d.Remediation = "start the ollama server (`ollama serve`) or fix the endpoint"
		return d
	}
	d.Models = remote

	missing := make([]string, 0, len(res.Catalog.Models))
	for _, m := range res.Catalog.Models {
		if !slices.Contains(remote, m.ID) {
			missing = append(missing, m.ID)
		}
	}
	d.OK = true
	d.Detail = fmt.Sprintf("reachable, %d model(s) available", len(remote))
	if len(missing) > 0 {
		d.Remediation = fmt.Sprintf("run `ollama pull %s` to fetch missing catalog models", missing[0])
	}
	return d
}
