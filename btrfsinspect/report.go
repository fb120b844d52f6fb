// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsinspect

import (
	"bufio"
	"io"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/btrfs-progs-ng/lib/textui"
)

// WriteText renders a Report the way the reference CLI's inspect
// subcommands render theirs: one line per anomaly, grouped by
// subvolume, via textui.Fprintf so the output goes through the same
// golang.org/x/text formatting extensions as the rest of the CLI.
func WriteText(w io.Writer, report *Report) error {
	buf := bufio.NewWriter(w)
	defer buf.Flush()

	for _, sub := range report.Subvolumes {
		for _, rec := range sub.Cache.Inodes {
			if err := rec.AsError(); err != nil {
				if _, ferr := textui.Fprintf(buf, "subvol=%v %v\n", sub.TreeID, err); ferr != nil {
					return ferr
				}
			}
			for _, bref := range rec.Backrefs {
				if err := bref.AsError(rec.Ino); err != nil {
					if _, ferr := textui.Fprintf(buf, "subvol=%v %v\n", sub.TreeID, err); ferr != nil {
						return ferr
					}
				}
			}
		}
		for _, rec := range sub.Cache.Roots {
			if !rec.FoundRootItem {
				if _, err := textui.Fprintf(buf, "subvol=%v root %v: backreferenced but no ROOT_ITEM found\n", sub.TreeID, rec.ObjectID); err != nil {
					return err
				}
			}
			for _, bref := range rec.Backrefs {
				if bref.Errors != 0 {
					if _, err := textui.Fprintf(buf, "subvol=%v root %v: backref from %v: %v\n", sub.TreeID, rec.ObjectID, bref.RefRoot, bref.Errors); err != nil {
						return err
					}
				}
			}
		}
	}

	for _, rec := range report.ExtentRecs {
		for _, problem := range rec.Diagnose() {
			if _, err := textui.Fprintf(buf, "%v\n", problem); err != nil {
				return err
			}
		}
	}

	for _, cb := range report.CorruptNodes {
		if _, err := textui.Fprintf(buf, "corrupt block %v: %v\n", textui.Humanized(cb.Addr), cb.Err); err != nil {
			return err
		}
	}

	if report.Clean() {
		if _, err := textui.Fprintf(buf, "no errors found\n"); err != nil {
			return err
		}
	}

	return buf.Flush()
}

// jsonExtentRecord and jsonReport give the JSON rendering a stable
// shape independent of the internal record types, the same way the
// reference CLI's inspect commands define their own JSON-tagged
// mirror structs rather than serializing internal state directly.
type jsonExtentRecord struct {
	Start          uint64 `json:"start"`
	ExtentItemRefs int64  `json:"extent_item_refs"`
	FoundRefs      int64  `json:"found_refs"`
	Problems       []string `json:"problems,omitempty"`
}

type jsonInodeProblem struct {
	Ino      uint64   `json:"ino"`
	Problems []string `json:"problems"`
}

type jsonSubvolume struct {
	TreeID uint64             `json:"tree_id"`
	Inodes []jsonInodeProblem `json:"inodes,omitempty"`
}

type jsonCorruptBlock struct {
	Addr uint64 `json:"addr"`
	Err  string `json:"err"`
}

type jsonReport struct {
	Clean        bool               `json:"clean"`
	Subvolumes   []jsonSubvolume    `json:"subvolumes,omitempty"`
	Extents      []jsonExtentRecord `json:"extents,omitempty"`
	CorruptNodes []jsonCorruptBlock `json:"corrupt_nodes,omitempty"`
}

func toJSONReport(report *Report) jsonReport {
	out := jsonReport{Clean: report.Clean()}

	for _, sub := range report.Subvolumes {
		jsub := jsonSubvolume{TreeID: uint64(sub.TreeID)}
		for _, rec := range sub.Cache.Inodes {
			var problems []string
			if err := rec.AsError(); err != nil {
				problems = append(problems, err.Error())
			}
			for _, bref := range rec.Backrefs {
				if err := bref.AsError(rec.Ino); err != nil {
					problems = append(problems, err.Error())
				}
			}
			if len(problems) > 0 {
				jsub.Inodes = append(jsub.Inodes, jsonInodeProblem{Ino: uint64(rec.Ino), Problems: problems})
			}
		}
		out.Subvolumes = append(out.Subvolumes, jsub)
	}

	for _, rec := range report.ExtentRecs {
		problems := rec.Diagnose()
		if len(problems) == 0 {
			continue
		}
		out.Extents = append(out.Extents, jsonExtentRecord{
			Start:          rec.Start,
			ExtentItemRefs: rec.ExtentItemRefs,
			FoundRefs:      rec.Refs(),
			Problems:       problems,
		})
	}

	for _, cb := range report.CorruptNodes {
		out.CorruptNodes = append(out.CorruptNodes, jsonCorruptBlock{Addr: uint64(cb.Addr), Err: cb.Err.Error()})
	}

	return out
}

// WriteJSON renders a Report as indented JSON via lowmemjson, the
// same streaming re-encoder the reference CLI's inspect commands use
// for their --format=json output (see util.go's writeJSONFile there).
func WriteJSON(w io.Writer, report *Report) (err error) {
	buf := bufio.NewWriter(w)
	defer func() {
		if ferr := buf.Flush(); err == nil {
			err = ferr
		}
	}()
	return lowmemjson.Encode(&lowmemjson.ReEncoder{
		Out:                   buf,
		Indent:                "  ",
		ForceTrailingNewlines: true,
	}, toJSONReport(report))
}
