package checks

import (
	"context"
	"fmt"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"maremma/internal/status"
)

// KubernetesExecutor probes an apiserver with an authenticated version
// request.
type KubernetesExecutor struct{}

func (e *KubernetesExecutor) Execute(ctx context.Context, target Target, cfg MergedConfig) (status.CheckResult, error) {
	start := time.Now()

	// an empty path falls through to in-cluster config
	kubeconfig := cfg.String("kubeconfig", "")
	restConfig, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return status.NewResult(status.Unknown, time.Since(start),
			fmt.Sprintf("unable to configure Kubernetes client: %s", err)), nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		restConfig.Timeout = time.Until(deadline)
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return status.NewResult(status.Unknown, time.Since(start),
			fmt.Sprintf("unable to build Kubernetes client: %s", err)), nil
	}

	version, err := client.Discovery().ServerVersion()
	elapsed := time.Since(start)
	if err != nil {
		return status.NewResult(status.Critical, elapsed,
			fmt.Sprintf("apiserver version probe failed: %s", err)), nil
	}

	return status.NewResult(status.Ok, elapsed,
		fmt.Sprintf("apiserver %s reachable", version.GitVersion)), nil
}
