// Command filetracker is the CLI front-end to client.Client, mirroring
// the reference implementation's get/cat/put/rm/version subcommands.
//
// Global flags (-remote-url, -cache-dir) must precede the subcommand
// name, matching the reference shell's disable_interspersed_args
// option parser.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/sio2project/filetracker/client"
)

var (
	flagRemoteURL = flag.String("remote-url", "", "URL of the remote filetracker server (defaults to FILETRACKER_URL)")
	flagCacheDir  = flag.String("cache-dir", "", "path to the local cache directory (defaults to FILETRACKER_DIR)")
	flagVerbose   = flag.Bool("verbose", false, "enable verbose logging")
)

const usage = `usage: filetracker [options] command [command-specific options]

Supported commands: cat, get, put, rm, version.
Run "filetracker command -h" for command-specific options.
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if !*flagVerbose {
		log.SetOutput(io.Discard)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cl, err := client.New(client.Config{CacheDir: *flagCacheDir, RemoteURL: *flagRemoteURL})
	if err != nil {
		log.SetOutput(os.Stderr)
		log.Fatalf("filetracker: %v", err)
	}

	cmd, rest := args[0], args[1:]
	runner, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "filetracker: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err := runner(cl, rest); err != nil {
		fmt.Fprintf(os.Stderr, "filetracker %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

var commands = map[string]func(*client.Client, []string) error{
	"get":     cmdGet,
	"cat":     cmdCat,
	"put":     cmdPut,
	"rm":      cmdRm,
	"version": cmdVersion,
}

func cmdGet(cl *client.Client, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	noCache := fs.Bool("c", false, "do not store the fetched file in the local cache")
	refresh := fs.Bool("f", false, "do not read from the local cache")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: get [options] name local_filename")
	}
	vname, err := cl.GetFile(fs.Arg(0), fs.Arg(1), !*noCache, *refresh)
	if err != nil {
		return err
	}
	fmt.Println(vname)
	return nil
}

func cmdCat(cl *client.Client, args []string) error {
	fs := flag.NewFlagSet("cat", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: cat name")
	}
	stream, _, err := cl.GetStream(fs.Arg(0), false, true)
	if err != nil {
		return err
	}
	defer stream.Close()
	_, err = io.Copy(os.Stdout, stream)
	return err
}

func cmdPut(cl *client.Client, args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	noLocal := fs.Bool("no-local-cache", false, "do not store in the local cache")
	noRemote := fs.Bool("no-remote-cache", false, "do not store in the remote store")
	compressHint := fs.Bool("compress-hint", true, "gzip-compress the upload client-side (protocol 2 only)")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: put [options] local_filename name")
	}
	vname, err := cl.PutFile(fs.Arg(1), fs.Arg(0), !*noLocal, !*noRemote, *compressHint)
	if err != nil {
		return err
	}
	fmt.Println(vname)
	return nil
}

func cmdRm(cl *client.Client, args []string) error {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: rm name")
	}
	return cl.DeleteFile(fs.Arg(0))
}

func cmdVersion(cl *client.Client, args []string) error {
	fs := flag.NewFlagSet("version", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: version name")
	}
	v, err := cl.FileVersion(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}
