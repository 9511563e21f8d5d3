//go:build !linux || !(amd64 || arm64)

package tracer

func spawn(target Target) (spawned, error) {
	return nil, &AttachError{Path: target.Path, Err: ErrUnsupported}
}
