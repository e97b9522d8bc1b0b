// cmd/cgbk/format.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func formatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Describe the on-disk backup format",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), formatText)
		},
	}
}

var formatText = `
This document describes the way that cgbk stores backups in sufficient
detail that (if ever necessary) a file can be restored from a backup
directory without cgbk itself; all that's needed is HDiffPatch's hpatchz.
We'll proceed from the directory layout down to the individual files.

# Backup roots

Unless --dir or backup_dir says otherwise, the backups of a file
/path/doc.txt live in /path/cg_backup_doc, the "backup root". A backup root
holds one directory per generation, named

	base<index>_<YYYYMMDD>_<HHMMSS>

where index counts up from 1 and the time is the local time at which the
generation was created. The generation with the largest index is the
current one; if two share an index, the one whose name sorts last wins.
Other directories in the root are ignored.

If --dir names a directory whose own name starts with "base", backups are
written directly into it and it is treated as a generation; its index is
parsed from the name, or taken to be 0 if that fails.

# Generations

Each generation holds a baseline for every file backed up into it,

	<file name>.base

which is a byte-for-byte copy of the file as it was when the generation
was created, and any number of diffs against that baseline,

	<file name>.<YYYYMMDD>_<HHMMSS>[-<n>].<algo>.diff

The time is when the backup was taken. If two backups land in the same
second, the second one gets -1, the next -2, and so forth; nothing is ever
overwritten. algo is "hdiff" for every diff that cgbk writes today; diffs
marked "bsdiff" came from an older format that can no longer be restored,
and diffs with no marker at all are tried as hdiff diffs.

Each diff is against the baseline in its own directory, never against
another diff, so restoring any version takes exactly one patch:

	hpatchz -f -s <file name>.base <diff> <output>

Older versions wrote a baseline and unmarked diffs straight into the
backup root, with no generation directories. Those are still listed and
restored, as a generation of their own.

A restore doesn't touch the working file unless asked to; it writes

	<file stem>_restored_<YYYYMMDD>_<HHMMSS>[-<n>]<extension>

beside the working file, e.g. doc_restored_20240301_120000.txt.

Files whose names start with "." are in progress (partial copies, claim
files used to coordinate concurrent backups) and can be ignored or
deleted when no backup is running.

# Rotation

A backup first diffs the file against the current generation's baseline.
If the file is at least 100 KiB and the diff is larger than threshold
(default 0.8) times the file's size, the diff is thrown away, a new
generation is created with the file as its baseline, and the diff is made
again against that. The diff is always written elsewhere first and moved
into the generation under its final name once complete.

# Parity files

When parity is enabled, each baseline gets a Reed-Solomon parity file,

	<file name>.base.rs

These are based on the Go "gob" encoding package; they just store the
following structure:

	const HashSize = 64
	type Hash [HashSize]byte

	type sidecar struct {
		// Size of the original file
		FileSize                   int64
		// SHAKE256 hash of the whole file
		FileHash                   Hash
		NDataShards, NParityShards int
		HashRate                   int64
		// First the data hashes, then the parity hashes.
		Hashes                     [][]Hash
		ParityShards               [][]byte
	}

The file is split into NDataShards equal-size shards (the last padded with
zeros). Each shard is hashed with SHAKE256 in HashRate-sized chunks. To
repair, find the chunks whose hashes don't match, and reconstruct them
with any Reed-Solomon implementation using the remaining data and parity
shards; the result must match FileHash.

# Mirrors

Baselines, parity files and diffs may also be copied to a mirror (another
directory or a Google Cloud Storage bucket) as they're written, under

	<backup root name>/<generation>/<file>

Mirrors are write-once: an existing object is never replaced.
`
