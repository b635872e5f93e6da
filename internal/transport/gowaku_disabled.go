//go:build !real_waku

package transport

func newGoWakuBackend(Config) Backend {
	return nil
}
