package dignode

import (
	"time"

	"github.com/dignet/dignode/common"
)

// Config is parsed by cmd/dignode's alexflint/go-arg flags into the set of
// options named in spec.md §6.
type Config struct {
	StoreDir string `arg:"--store-dir,required" help:"directory holding *.dig blobs"`

	ListenTCP string `arg:"--listen-tcp" default:":0" help:"direct TCP listen address"`
	ListenUDP string `arg:"--listen-udp" default:":0" help:"direct UDP listen address"`

	ChunkSize int64 `arg:"--chunk-size" default:"65536" help:"fixed chunk size in bytes"`

	MaxConcurrentDownloads int `arg:"--max-concurrent-downloads" default:"5"`
	MaxUnchokedPeers       int `arg:"--max-unchoked-peers" default:"4"`
	SuperSeed              bool `arg:"--super-seed" help:"enable super-seed mode for outbound chunk distribution"`
	SuperSeedLimit         int  `arg:"--super-seed-limit" default:"1"`

	GossipNamespace string `arg:"--gossip-namespace" default:"dignode" help:"topic/namespace published to the gossip substrate"`

	StunServers []string `arg:"--stun-server" help:"STUN server addresses for external address discovery"`

	SuccessRegistryDir string `arg:"--success-registry-dir" help:"overrides the OS-resolved success registry directory"`

	StatusAddr string `arg:"--status-addr" default:"127.0.0.1:0" help:"loopback address for the read-only status websocket"`

	AnnounceInterval time.Duration `arg:"--announce-interval" default:"30s"`

	UploadBytesPerSecond int `arg:"--upload-bytes-per-second" help:"caps total outbound chunk-serving bandwidth; 0 disables the cap"`
}

func (c Config) chunkSize() int64 {
	if c.ChunkSize <= 0 {
		return common.DefaultChunkSize
	}
	return c.ChunkSize
}
