// Package kubernetes runs containers as pods on a Kubernetes cluster. Each
// container becomes a ReplicaSet in a per-session namespace and its ports
// are published through NodePort services.
package kubernetes

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/dockhand/sandpit/config"
	"github.com/dockhand/sandpit/internal/logging"
	"github.com/dockhand/sandpit/provider"
)

// Name identifies the provider.
const Name = "kubernetes"

// namespaceLabel marks namespaces created by this provider.
const namespaceLabel = "org.sandpit"

func init() {
	provider.Register(Name, 50, New)
}

// Provider is a cluster reachable through the default kubeconfig rules.
type Provider struct {
	cfg       *config.Config
	namespace string
	loader    clientcmd.ClientConfig
}

// New returns a provider for the cluster selected by KUBECONFIG or
// ~/.kube/config. Nothing is loaded until the provider is used.
func New(src config.Source) (provider.Provider, error) {
	cfg, err := config.FromSource(src)
	if err != nil {
		return nil, err
	}
	ns, err := namespaceName(cfg.KubernetesNamespace, uuid.NewString()[:8])
	if err != nil {
		return nil, err
	}
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{},
	)
	return &Provider{cfg: cfg, namespace: ns, loader: loader}, nil
}

// namespaceName renders the "{session}" placeholder and checks the result is
// a valid namespace name.
func namespaceName(tmpl, session string) (string, error) {
	if tmpl == "" {
		tmpl = config.DefaultK8sNamespace
	}
	ns := strings.ToLower(strings.ReplaceAll(tmpl, "{session}", session))
	if errs := validation.IsDNS1123Label(ns); len(errs) > 0 {
		return "", fmt.Errorf("kubernetes namespace %q: %s", ns, strings.Join(errs, "; "))
	}
	return ns, nil
}

func (p *Provider) Identifier() string { return Name }

func (p *Provider) connect() (kubernetes.Interface, execFunc, error) {
	rc, err := p.loader.ClientConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	cs, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return cs, spdyExec(rc, cs), nil
}

// Available asks the API server for its version.
func (p *Provider) Available(ctx context.Context) bool {
	log := logging.For("provider").With().Str("provider", Name).Logger()
	cs, _, err := p.connect()
	if err != nil {
		log.Debug().Err(err).Msg("kubernetes client unavailable")
		return false
	}
	if err := cs.Discovery().RESTClient().Get().AbsPath("/version").Do(ctx).Error(); err != nil {
		log.Debug().Err(err).Msg("kubernetes API not reachable")
		return false
	}
	return true
}

func (p *Provider) SupportsExecution() bool { return true }

// FileMountingSupported is true because bind mounts are emulated by copying
// the host path into the pod before it starts.
func (p *Provider) FileMountingSupported() bool { return true }

func (p *Provider) Controller(ctx context.Context) (provider.Controller, error) {
	c := p.newController()
	if _, err := c.session(ctx, "connect"); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Provider) LazyController() provider.Controller { return p.newController() }

func (p *Provider) newController() *Controller {
	labels := map[string]string{namespaceLabel: "true"}
	for k, v := range p.cfg.KubernetesNSLabels {
		labels[k] = v
	}
	return &Controller{
		namespace:     p.namespace,
		nsLabels:      labels,
		nsAnnotations: p.cfg.KubernetesNSAnnotations,
		nodePortAddr:  p.cfg.KubernetesNodePortAddr,
		connect:       p.connect,
	}
}
