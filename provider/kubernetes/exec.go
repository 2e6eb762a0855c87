package kubernetes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
)

// execFunc runs cmd in one container of a pod. A non-zero exit status is
// reported as a utilexec.ExitError.
type execFunc func(ctx context.Context, namespace, pod, container string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) error

// spdyExec executes commands through the pods/exec subresource.
func spdyExec(cfg *rest.Config, cs kubernetes.Interface) execFunc {
	return func(ctx context.Context, namespace, pod, container string, cmd []string, stdin io.Reader, stdout, stderr io.Writer) error {
		req := cs.CoreV1().RESTClient().Post().
			Resource("pods").
			Namespace(namespace).
			Name(pod).
			SubResource("exec").
			VersionedParams(&corev1.PodExecOptions{
				Container: container,
				Command:   cmd,
				Stdin:     stdin != nil,
				Stdout:    true,
				Stderr:    true,
			}, scheme.ParameterCodec)
		ex, err := remotecommand.NewSPDYExecutor(cfg, http.MethodPost, req.URL())
		if err != nil {
			return fmt.Errorf("exec %s/%s: %w", pod, container, err)
		}
		return ex.StreamWithContext(ctx, remotecommand.StreamOptions{Stdin: stdin, Stdout: stdout, Stderr: stderr})
	}
}

// wrapCommand applies working directory and environment, which pods/exec
// cannot set on its own.
func wrapCommand(cmd []string, dir string, env []string) []string {
	if len(env) > 0 {
		cmd = append(append([]string{"env"}, env...), cmd...)
	}
	if dir != "" {
		cmd = append([]string{"sh", "-c", `cd "$0" && exec "$@"`, dir}, cmd...)
	}
	return cmd
}

// runCaptured runs cmd and splits a non-zero exit status from transport errors.
func runCaptured(ctx context.Context, exec execFunc, namespace, pod, container string, cmd []string, stdin io.Reader) (int, []byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	err := exec(ctx, namespace, pod, container, cmd, stdin, &stdout, &stderr)
	if err == nil {
		return 0, stdout.Bytes(), stderr.Bytes(), nil
	}
	var exit utilexec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitStatus(), stdout.Bytes(), stderr.Bytes(), nil
	}
	return -1, stdout.Bytes(), stderr.Bytes(), err
}

func execFailure(what string, code int, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return fmt.Errorf("%s: exit code %d", what, code)
	}
	return fmt.Errorf("%s: exit code %d: %s", what, code, msg)
}
