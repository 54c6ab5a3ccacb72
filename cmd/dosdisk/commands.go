package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/dosdisk/dosdisk/device"
	"github.com/dosdisk/dosdisk/fat"
	"github.com/dosdisk/dosdisk/mbr"
	"github.com/dosdisk/dosdisk/streams"
)

// deviceFromFlags builds a descriptor from the shared image flags.
func deviceFromFlags(ctx *cli.Context, name string) *device.Descriptor {
	dev := &device.Descriptor{
		Name:      name,
		Partition: int(ctx.Uint("partition")),
		Offset:    ctx.Int64("offset"),
		DataMap:   ctx.String("data-map"),
		Codepage:  ctx.Int("codepage"),
	}
	if ctx.Bool("swap") {
		dev.Flags |= device.Swap
	}
	return dev
}

func formatImage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one image argument")
	}
	dev := &device.Descriptor{
		Name:      ctx.Args().Get(0),
		Tracks:    uint32(ctx.Uint("tracks")),
		Heads:     uint16(ctx.Uint("heads")),
		Sectors:   uint16(ctx.Uint("sectors")),
		Partition: int(ctx.Uint("partition")),
		Offset:    ctx.Int64("offset"),
	}
	if kb := uint32(ctx.Uint("size")); kb != 0 {
		preset := fat.OldDosBySize(kb)
		if preset == nil {
			return fmt.Errorf("no classic format of %d KB", kb)
		}
		dev.Tracks = preset.Tracks
		dev.Heads = preset.Heads
		dev.Sectors = preset.Sectors
	}
	opts := fat.FormatOptions{
		Label:       ctx.String("label"),
		Fat32:       ctx.Bool("fat32"),
		Create:      ctx.Bool("create"),
		TotSectors:  uint32(ctx.Uint("tot-sectors")),
		ClusterSize: uint8(ctx.Uint("cluster-size")),
		DirLen:      uint16(ctx.Uint("root-entries")),
		FatLen:      uint32(ctx.Uint("fat-len")),
		FatStart:    uint16(ctx.Uint("reserved")),
		NumFat:      uint8(ctx.Uint("num-fat")),
	}
	if ctx.IsSet("serial") {
		opts.Serial = uint32(ctx.Uint("serial"))
		opts.SerialSet = true
	}
	fs, err := fat.Format(dev, opts)
	if err != nil {
		return err
	}
	return fs.Close()
}

// resolveDir walks a DOS path ("/", "SUBDIR/NESTED") down from the root.
func resolveDir(fs *fat.Fs, path string) (streams.Stream, error) {
	dir, err := fs.OpenRoot()
	if err != nil {
		return nil, err
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" || part == "." {
			continue
		}
		entry, err := fs.Lookup(dir, part)
		if err != nil {
			dir.Close()
			return nil, err
		}
		if !entry.Rec.IsDir() {
			dir.Close()
			return nil, fmt.Errorf("%s: not a directory", part)
		}
		sub, err := fs.OpenFileByEntry(entry)
		if err != nil {
			dir.Close()
			return nil, err
		}
		dir.Close()
		dir = sub
	}
	return dir, nil
}

func listDirectory(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("expected an image argument")
	}
	fs, err := openFromContext(ctx, false)
	if err != nil {
		return err
	}
	defer fs.Close()

	dir, err := resolveDir(fs, ctx.Args().Get(1))
	if err != nil {
		return err
	}
	defer dir.Close()

	entries, err := fs.ListDir(dir)
	if err != nil {
		return err
	}
	cp := fs.DOSConverter()
	for _, e := range entries {
		name := cp.ToUnicode(e.Rec.Base(), e.Rec.Ext())
		switch {
		case e.Rec.IsLabel():
			fmt.Printf(" Volume label is %s\n", name)
		case e.Rec.IsDir():
			fmt.Printf("%-12s <DIR>           %s\n",
				name, e.Rec.MTime().Format("2006-01-02 15:04"))
		default:
			fmt.Printf("%-12s %10d      %s\n",
				name, e.Rec.Size(), e.Rec.MTime().Format("2006-01-02 15:04"))
		}
	}
	free, err := fs.GetFree()
	if err != nil {
		return err
	}
	fmt.Printf("%26d bytes free\n", free)
	return nil
}

// splitDOSPath separates "SUBDIR/FILE.TXT" into directory path and name.
func splitDOSPath(path string) (dir, name string) {
	path = strings.TrimPrefix(path, "::")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

func copyFile(ctx *cli.Context) error {
	if ctx.NArg() != 3 {
		return fmt.Errorf("expected IMAGE SRC DST")
	}
	src, dst := ctx.Args().Get(1), ctx.Args().Get(2)
	fromDOS := strings.HasPrefix(src, "::")
	toDOS := strings.HasPrefix(dst, "::")
	if fromDOS == toDOS {
		return fmt.Errorf("exactly one of SRC and DST must be a ::DOS name")
	}

	fs, err := openFromContext(ctx, toDOS)
	if err != nil {
		return err
	}
	defer fs.Close()
	fs.SetBatchMode(ctx.Bool("batch"))

	if fromDOS {
		return copyOut(fs, src, dst)
	}
	return copyIn(fs, src, dst)
}

func copyOut(fs *fat.Fs, src, dst string) error {
	dirPath, name := splitDOSPath(src)
	dir, err := resolveDir(fs, dirPath)
	if err != nil {
		return err
	}
	defer dir.Close()

	entry, err := fs.Lookup(dir, name)
	if err != nil {
		return err
	}
	if entry.Rec.IsDir() {
		return fmt.Errorf("%s: is a directory", name)
	}
	file, err := fs.OpenFileByEntry(entry)
	if err != nil {
		return err
	}
	defer file.Close()

	var out io.WriteCloser
	if dst == "-" {
		out = os.Stdout
	} else {
		out, err = os.Create(dst)
		if err != nil {
			return err
		}
		defer out.Close()
	}

	buf := make([]byte, 64*1024)
	var off int64
	remaining := int64(entry.Rec.Size())
	for remaining > 0 {
		chunk := buf
		if remaining < int64(len(buf)) {
			chunk = buf[:remaining]
		}
		n, err := streams.ForceReadAt(file, chunk, off)
		if n <= 0 {
			if err != nil {
				return err
			}
			break
		}
		if _, err := out.Write(chunk[:n]); err != nil {
			return err
		}
		off += int64(n)
		remaining -= int64(n)
	}
	return nil
}

func copyIn(fs *fat.Fs, src, dst string) error {
	dirPath, name := splitDOSPath(dst)
	dir, err := resolveDir(fs, dirPath)
	if err != nil {
		return err
	}
	defer dir.Close()

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return err
	}

	entry, err := fs.CreateEntry(dir, name, fat.AttrArchive)
	if err != nil {
		return err
	}
	file := fs.OpenNewFile(entry)
	defer file.Close()

	if st.Size() > 0 {
		if err := file.PreAllocate(st.Size()); err != nil {
			return err
		}
	}

	buf := make([]byte, 64*1024)
	var off int64
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := streams.ForceWriteAt(file, buf[:n], off); werr != nil {
				return werr
			}
			off += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return file.SetFileSize(uint32(off))
}

func deleteFile(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("expected IMAGE ::PATH")
	}
	fs, err := openFromContext(ctx, true)
	if err != nil {
		return err
	}
	defer fs.Close()

	dirPath, name := splitDOSPath(ctx.Args().Get(1))
	dir, err := resolveDir(fs, dirPath)
	if err != nil {
		return err
	}
	defer dir.Close()

	entry, err := fs.Lookup(dir, name)
	if err != nil {
		return err
	}
	return fs.DeleteEntry(entry)
}

func volumeLabel(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("expected an image argument")
	}
	setNew := ctx.NArg() == 2
	fs, err := openFromContext(ctx, setNew)
	if err != nil {
		return err
	}
	defer fs.Close()

	root, err := fs.OpenRoot()
	if err != nil {
		return err
	}
	defer root.Close()

	if setNew {
		return fs.SetLabel(root, ctx.Args().Get(1))
	}
	label, err := fs.Label(root)
	if err != nil {
		return err
	}
	if label == "" {
		fmt.Println("Volume has no label")
	} else {
		fmt.Printf("Volume label is %s\n", label)
	}
	return nil
}

func makeDirectory(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("expected IMAGE ::PATH")
	}
	fs, err := openFromContext(ctx, true)
	if err != nil {
		return err
	}
	defer fs.Close()

	dirPath, name := splitDOSPath(ctx.Args().Get(1))
	parent, err := resolveDir(fs, dirPath)
	if err != nil {
		return err
	}
	defer parent.Close()

	dir, err := fs.MakeDir(parent, name)
	if err != nil {
		return err
	}
	return dir.Close()
}

func catImage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one image argument")
	}
	dev := deviceFromFlags(ctx, ctx.Args().Get(0))
	disk, _, err := fat.OpenDisk(dev, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer disk.Close()

	buf := make([]byte, 64*1024)
	var off int64
	for {
		n, err := disk.ReadAt(buf, off)
		if n <= 0 {
			return err
		}
		if _, err := os.Stdout.Write(buf[:n]); err != nil {
			return err
		}
		off += int64(n)
	}
}

func partitionImage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one image argument")
	}
	dev := &device.Descriptor{Name: ctx.Args().Get(0)}
	writable := ctx.IsSet("create")
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	img, err := streams.OpenImage(dev, dev.Name, flag)
	if err != nil {
		return err
	}
	defer img.Close()

	sector := make([]byte, 512)
	if n, err := streams.ForceReadAt(img, sector, 0); n != 512 && err != nil {
		return err
	}

	table, err := mbr.ParseSector(sector)
	if err != nil {
		if !writable {
			return err
		}
		table = &mbr.Table{}
	}

	if writable {
		n := int(ctx.Uint("create"))
		if n < 1 || n > 4 {
			return fmt.Errorf("partition number must be 1-4")
		}
		size, err := img.Size()
		if err != nil {
			return err
		}
		totSectors := uint32(size / 512)
		dev.TotSectors = totSectors
		fat.ComputeLBAGeometry(dev)

		begin := uint32(ctx.Uint("begin"))
		length := uint32(ctx.Uint("length"))
		if length == 0 {
			if begin >= totSectors {
				return fmt.Errorf("begin beyond end of medium")
			}
			length = totSectors - begin
		}
		err = table.Entries[n].SetBeginEnd(begin, begin+length,
			dev.Heads, dev.Sectors, ctx.Bool("activate"), 0, 0)
		if err != nil {
			return err
		}
		if err := table.WriteSector(sector); err != nil {
			return err
		}
		if _, err := streams.ForceWriteAt(img, sector, 0); err != nil {
			return err
		}
	}

	warnings, active, inconsistent := table.ConsistencyCheck(dev.TotSectors)
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	if inconsistent {
		fmt.Fprintln(os.Stderr, "Warning: inconsistent partition table")
	}
	if active == 0 {
		fmt.Fprintln(os.Stderr, "Warning: no active (bootable) partition present")
	}
	for i := 1; i <= 4; i++ {
		e := &table.Entries[i]
		if !e.IsAllocated() {
			continue
		}
		boot := " "
		if e.BootInd != 0 {
			boot = "*"
		}
		fmt.Printf("%s%d  type=0x%02X  start=%d  sectors=%d\n",
			boot, i, e.SysInd, e.Begin(), e.NrSects)
	}
	return nil
}

func printInfo(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one image argument")
	}
	fs, err := openFromContext(ctx, false)
	if err != nil {
		return err
	}
	defer fs.Close()

	fmt.Printf("FAT bits:          %d\n", fs.FatBits())
	fmt.Printf("sector size:       %d\n", fs.SectorSize())
	fmt.Printf("cluster size:      %d sectors\n", fs.ClusterBytes()/uint32(fs.SectorSize()))
	fmt.Printf("FAT start:         %d\n", fs.FatStart())
	fmt.Printf("FAT length:        %d sectors x %d copies\n", fs.FatLen(), fs.NumFat())
	fmt.Printf("root dir:          %d sectors at %d\n", fs.DirLen(), fs.DirStart())
	fmt.Printf("data start:        sector %d\n", fs.ClusStart())
	fmt.Printf("clusters:          %d\n", fs.NumClus())
	free, err := fs.GetFree()
	if err != nil {
		return err
	}
	fmt.Printf("free space:        %d bytes\n", free)
	return nil
}

func openFromContext(ctx *cli.Context, writable bool) (*fat.Fs, error) {
	dev := deviceFromFlags(ctx, ctx.Args().Get(0))
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	return fat.Init(dev, flag)
}
