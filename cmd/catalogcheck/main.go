// Command catalogcheck validates a task template file and prints its chains
// and templates. It exits non-zero when the file does not load.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"github.com/talgya/villagelife/internal/catalog"
)

func main() {
	quiet := flag.Bool("q", false, "only report errors")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: catalogcheck [-q] templates.yaml...\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	failed := 0
	for _, path := range flag.Args() {
		cat, err := catalog.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL %v\n", err)
			failed++
			continue
		}
		if *quiet {
			continue
		}
		report(path, cat)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%s failed\n", english.Plural(failed, "file", "files"))
		os.Exit(1)
	}
}

func report(path string, cat *catalog.Catalog) {
	fmt.Printf("%s: %s, %s (digest %s)\n", path,
		english.Plural(cat.Len(), "template", "templates"),
		english.Plural(len(cat.Chains()), "chain", "chains"),
		cat.Digest()[:12])

	for _, ch := range cat.Chains() {
		members := cat.ChainMembers(ch.ID)
		gate := ""
		if ch.MinVillageLevel > 0 {
			gate = fmt.Sprintf(" (village level %d)", ch.MinVillageLevel)
		}
		fmt.Printf("  chain %s%s: %s\n", ch.ID, gate, strings.Join(members, " → "))
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tCATEGORY\tHOURS\tINPUTS\tTOOLS\tREWARDS\tFLAGS")
	for _, t := range cat.All() {
		var flags []string
		if !t.Repeatable {
			flags = append(flags, "once")
		}
		if t.Hidden {
			flags = append(flags, "hidden")
		}
		if t.SelfReported {
			flags = append(flags, "self-reported")
		}
		if len(t.FailureConditions) > 0 {
			flags = append(flags, english.Plural(len(t.FailureConditions), "failure condition", "failure conditions"))
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			t.ID, t.Category, humanize.FtoaWithDigits(t.Duration, 2),
			len(t.Resources), len(t.Tools), len(t.Rewards), strings.Join(flags, ", "))
	}
	tw.Flush()
}
