// ckpt-inspect prints the contents of a checkpoint directory: the grid it was
// saved on, every weight and optimizer shard with its sharding metadata and
// size, and the coordinates holding random states. It reads only manifests and
// metadata sidecars, never tensor data, so it is fast even on large
// checkpoints.
//
// Usage:
//
//	ckpt-inspect -root /path/to/checkpoint
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/distckpt/checkpoint"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagRoot    = flag.String("root", "", "Checkpoint directory to inspect.")
	flagSection = flag.String("section", "", "Limit the shard listing to one section: weights or optimizer.")
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagRoot == "" {
		fmt.Fprintln(os.Stderr, "Usage: ckpt-inspect -root <checkpoint directory>")
		os.Exit(1)
	}

	summary := must.M1(checkpoint.Inspect(*flagRoot))
	fmt.Println(titleStyle.Render(fmt.Sprintf("Checkpoint %s", *flagRoot)))
	fmt.Printf("  format version %d, grid dp=%d tp=%d pp=%d\n",
		summary.Version, summary.Mesh.DPSize, summary.Mesh.TPSize, summary.Mesh.PPSize)
	if summary.HasOptimizer {
		format := "replicated"
		if summary.OptimizerSharded {
			format = "ZeRO-sharded"
		}
		fmt.Printf("  optimizer: %s", format)
		if len(summary.AdditionalKeys) > 0 {
			fmt.Printf(", additional keys %s", strings.Join(summary.AdditionalKeys, ", "))
		}
		fmt.Println()
	}
	if len(summary.RandomCoords) > 0 {
		fmt.Printf("  random states: %d coordinates\n", len(summary.RandomCoords))
	}
	fmt.Println()

	if *flagSection == "" || *flagSection == "weights" {
		printSection("weights", summary.Weights)
	}
	if *flagSection == "" || *flagSection == "optimizer" {
		printSection("optimizer", summary.Optimizer)
	}
}

func printSection(name string, shards []checkpoint.ShardInfo) {
	if len(shards) == 0 {
		fmt.Println(dimStyle.Render(fmt.Sprintf("no %s shards", name)))
		fmt.Println()
		return
	}
	sort.SliceStable(shards, func(i, j int) bool {
		if a, b := shards[i].Key.String(), shards[j].Key.String(); a != b {
			return a < b
		}
		return shards[i].Coord < shards[j].Coord
	})

	var total uint64
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-40s %-18s %-28s %10s", name, "coord", "sharding", "size")))
	for _, shard := range shards {
		total += uint64(shard.SizeBytes)
		fmt.Printf("%-40s %-18s %-28s %10s\n",
			shard.Key, shard.Coord, shard.Desc.Desc, humanize.IBytes(uint64(shard.SizeBytes)))
	}
	fmt.Println(dimStyle.Render(fmt.Sprintf("%d shards, %s total", len(shards), humanize.IBytes(total))))
	fmt.Println()
}
