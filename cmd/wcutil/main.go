package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/warchest/warchest/cas"
	"github.com/warchest/warchest/manifest"
	"github.com/warchest/warchest/pool"
	"github.com/warchest/warchest/store"
	"github.com/warchest/warchest/util"
)

var (
	storeDir = flag.String("s", ".", "location of the storage directory")
	usage    = `
wcutil <command> <command arguments>

Possible commands:
    list

    manifest <manifest id list>

    object <hash>

    verify <manifest id list>

    stats
`
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println(usage)
		return
	}

	fmt.Printf("Using storage dir %s\n", *storeDir)
	engine, p, err := opendepot(*storeDir)
	if err != nil {
		fmt.Println("Error opening depot:", err)
		os.Exit(1)
	}
	defer engine.Stop()

	switch args[0] {
	case "list":
		dolist(p)
	case "manifest":
		domanifest(p, args[1:])
	case "object":
		doobject(engine, args[1:])
	case "verify":
		doverify(engine, p, args[1:])
	case "stats":
		dostats(engine)
	default:
		fmt.Println(usage)
	}
}

// opendepot opens the depot directory read-write with no size cap and no
// background sweeping, the way the daemon's storage flag does.
func opendepot(dir string) (*cas.Engine, *pool.Pool, error) {
	objects := store.NewFileSystem(filepath.Join(dir, "objects"))
	index := store.NewFileSystem(filepath.Join(dir, "index"))
	records := store.NewFileSystem(filepath.Join(dir, "manifests"))
	engine, err := cas.New(objects, index, filepath.Join(dir, "locks"), cas.Config{})
	if err != nil {
		return nil, nil, err
	}
	p := pool.New(records, engine)
	if engine.IndexRebuilt() {
		p.RestoreRefs()
	}
	return engine, p, nil
}

func dolist(p *pool.Pool) {
	all, err := p.AllManifests()
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, m := range all {
		fmt.Println(m.ID)
	}
}

func domanifest(p *pool.Pool, ids []string) {
	for _, raw := range ids {
		id, err := manifest.ParseID(raw)
		if err != nil {
			fmt.Printf("%s: %s\n", raw, err)
			continue
		}
		m, err := p.Manifest(id)
		if err != nil {
			fmt.Printf("%s: %s\n", raw, err)
			continue
		}
		printmanifest(m)
	}
}

func printmanifest(m *manifest.Manifest) {
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Manifest:\t%s\n", m.ID)
	fmt.Fprintf(w, "Name:\t%s\n", m.DisplayName)
	fmt.Fprintf(w, "Game:\t%s\n", m.Game)
	fmt.Fprintf(w, "Type:\t%s\n", m.Type)
	fmt.Fprintf(w, "Publisher:\t%s\n", m.Publisher.Name)
	fmt.Fprintf(w, "Strategy:\t%s\n", m.Strategy)
	fmt.Fprintf(w, "Created:\t%v\n", m.Created)
	fmt.Fprintf(w, "TotalSize:\t%d\n", m.TotalSize())
	w.Flush()
	fmt.Printf(" Size  Hash  Path\n")
	for _, f := range m.Files {
		fmt.Printf("%5d  %-64s  %s\n", f.Size, f.Hash, f.Path)
	}
	for _, d := range m.Dependencies {
		fmt.Printf("Depends: %s (%s >= %s)\n", d.RefID, d.Type, d.MinVersion)
	}
}

func doobject(engine *cas.Engine, args []string) {
	if len(args) == 0 {
		fmt.Println(usage)
		return
	}
	src, _, err := engine.Open(args[0])
	if err != nil {
		fmt.Printf("%s: Error %s\n", args[0], err)
		return
	}
	io.Copy(os.Stdout, store.NewReader(src))
	src.Close()
}

// doverify rehashes every stored object each manifest references.
func doverify(engine *cas.Engine, p *pool.Pool, ids []string) {
	for _, raw := range ids {
		id, err := manifest.ParseID(raw)
		if err != nil {
			fmt.Printf("%s: %s\n", raw, err)
			continue
		}
		m, err := p.Manifest(id)
		if err != nil {
			fmt.Printf("%s: %s\n", raw, err)
			continue
		}
		nbad := 0
		for i := range m.Files {
			f := &m.Files[i]
			if f.Source != manifest.SourceContentAddressable {
				continue
			}
			if !checkobject(engine, f.Hash) {
				fmt.Printf("%s: damaged object %s (%s)\n", m.ID, f.Hash, f.Path)
				nbad++
			}
		}
		if nbad == 0 {
			fmt.Printf("%s: ok\n", m.ID)
		}
	}
}

func checkobject(engine *cas.Engine, hash string) bool {
	want, err := hex.DecodeString(hash)
	if err != nil {
		return false
	}
	src, _, err := engine.Open(hash)
	if err != nil {
		return false
	}
	defer src.Close()
	ok, err := util.VerifyStreamHash(store.NewReader(src), nil, want)
	return err == nil && ok
}

func dostats(engine *cas.Engine) {
	stats := engine.Stats()
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Objects:\t%d\n", stats.TotalFileCount)
	fmt.Fprintf(w, "UsedBytes:\t%d\n", stats.UsedBytes)
	fmt.Fprintf(w, "MaxBytes:\t%d\n", stats.MaxBytes)
	w.Flush()
}
