// Command blockfsctl is a small CLI front-end over the blockfs engine,
// operating on a flat image file that holds one MemDevice's blocks plus its
// 16-byte config header at the front of block 0.
package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/KarpelesLab/blockfs"
)

var (
	imagePath   string
	blockSize   uint32
	inodeBlocks uint32
	blockCount  uint32
)

func main() {
	root := &cobra.Command{
		Use:   "blockfsctl",
		Short: "Inspect and manipulate blockfs images",
	}
	root.PersistentFlags().StringVar(&imagePath, "image", "blockfs.img", "path to the image file")
	root.PersistentFlags().Uint32Var(&blockSize, "block-size", 512, "device block size in bytes (must match the image's format-time value)")

	root.AddCommand(
		formatCmd(),
		mkdirCmd(),
		putCmd(),
		catCmd(),
		lsCmd(),
		statCmd(),
		rmCmd(),
		rmdirCmd(),
		infoCmd(),
		gcCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func formatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "format",
		Short: "Create a new blockfs image",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := blockfs.NewMemDevice(imagePath, blockSize, blockCount)
			if err != nil {
				return err
			}
			cfg, err := blockfs.Format(dev, inodeBlocks)
			if err != nil {
				return err
			}
			// the config header is the core's output; the CLI is responsible for
			// persisting it, here as the first bytes of block 0 (spec.md §6).
			block0 := make([]byte, blockSize)
			copy(block0, cfg[:])
			if err := dev.WriteBlock(0, block0); err != nil {
				return err
			}
			if err := blockfs.SaveImage(imagePath, dev); err != nil {
				return err
			}
			fmt.Printf("formatted %s: %s, %d inode blocks, %s per block\n",
				imagePath, humanize.Bytes(uint64(blockSize)*uint64(blockCount)), inodeBlocks,
				humanize.Bytes(uint64(blockSize)))
			return nil
		},
	}
	cmd.Flags().Uint32Var(&blockCount, "blocks", 4096, "total device block count")
	cmd.Flags().Uint32Var(&inodeBlocks, "inode-blocks", 8, "blocks reserved for the inode table (multiple of 8)")
	return cmd
}

func openFS() (*blockfs.FS, *blockfs.MemDevice, error) {
	dev, err := blockfs.LoadImage(imagePath, blockSize)
	if err != nil {
		return nil, nil, err
	}
	block0 := make([]byte, blockSize)
	if err := dev.ReadBlock(block0, 0); err != nil {
		return nil, nil, err
	}
	header := make([]byte, 16)
	copy(header, block0[:16])
	fsys, err := blockfs.Init(dev, header)
	if err != nil {
		return nil, nil, err
	}
	return fsys, dev, nil
}

func closeFS(fsys *blockfs.FS, dev *blockfs.MemDevice) error {
	if err := fsys.Destroy(); err != nil {
		return err
	}
	return blockfs.SaveImage(imagePath, dev)
}

func mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, dev, err := openFS()
			if err != nil {
				return err
			}
			parent, name, err := resolveParent(fsys, args[0])
			if err != nil {
				return err
			}
			if _, err := fsys.Mkdir(parent, name); err != nil {
				return err
			}
			return closeFS(fsys, dev)
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <path> <local-file>",
		Short: "Create a file and copy a local file's content into it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, dev, err := openFS()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			parent, name, err := resolveParent(fsys, args[0])
			if err != nil {
				return err
			}
			inode, err := fsys.Create(parent, name)
			if err != nil {
				return err
			}
			fd, err := fsys.Open(inode, blockfs.OpenWrite)
			if err != nil {
				return err
			}
			if _, err := fsys.Write(fd, data); err != nil {
				fsys.Close(fd)
				return err
			}
			if err := fsys.Close(fd); err != nil {
				return err
			}
			return closeFS(fsys, dev)
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file's content to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, dev, err := openFS()
			if err != nil {
				return err
			}
			inode, err := resolvePath(fsys, args[0])
			if err != nil {
				return err
			}
			fd, err := fsys.Open(inode, blockfs.OpenRead)
			if err != nil {
				return err
			}
			defer fsys.Close(fd)
			buf := make([]byte, blockSize)
			for {
				n, eof, err := fsys.Read(fd, buf)
				if err != nil {
					return err
				}
				if n > 0 {
					if _, err := os.Stdout.Write(buf[:n]); err != nil {
						return err
					}
				}
				if eof {
					break
				}
			}
			return closeFS(fsys, dev)
		},
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a directory's entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			fsys, dev, err := openFS()
			if err != nil {
				return err
			}
			inode, err := resolvePath(fsys, path)
			if err != nil {
				return err
			}
			fd, err := fsys.Opendir(inode)
			if err != nil {
				return err
			}
			defer fsys.Closedir(fd)
			for {
				st, found, err := fsys.Readdir(fd)
				if err != nil {
					return err
				}
				if !found {
					break
				}
				typeChar := "-"
				if st.Type == blockfs.TypeDir {
					typeChar = "d"
				}
				exec := "-"
				if st.Executable {
					exec = "x"
				}
				fmt.Printf("%s%s %8s %6d  %s\n", typeChar, exec, humanize.Bytes(uint64(st.Size)), st.Inode, st.Name)
			}
			return closeFS(fsys, dev)
		},
	}
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Print an entry's metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, dev, err := openFS()
			if err != nil {
				return err
			}
			inode, err := resolvePath(fsys, args[0])
			if err != nil {
				return err
			}
			st, err := fsys.Stat(inode)
			if err != nil {
				return err
			}
			fmt.Printf("inode:      %d\n", st.Inode)
			fmt.Printf("type:       %s\n", st.Type)
			fmt.Printf("executable: %v\n", st.Executable)
			fmt.Printf("size:       %s (%d bytes)\n", humanize.Bytes(uint64(st.Size)), st.Size)
			fmt.Printf("mtime:      %d\n", st.Mtime)
			return closeFS(fsys, dev)
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, dev, err := openFS()
			if err != nil {
				return err
			}
			parent, name, err := resolveParent(fsys, args[0])
			if err != nil {
				return err
			}
			if err := fsys.Unlink(parent, name); err != nil {
				return err
			}
			return closeFS(fsys, dev)
		},
	}
}

func rmdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rmdir <path>",
		Short: "Remove an empty directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, dev, err := openFS()
			if err != nil {
				return err
			}
			parent, name, err := resolveParent(fsys, args[0])
			if err != nil {
				return err
			}
			if err := fsys.Rmdir(parent, name); err != nil {
				return err
			}
			return closeFS(fsys, dev)
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show filesystem-wide information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, dev, err := openFS()
			if err != nil {
				return err
			}
			fmt.Printf("fs_id:       %s\n", fsys.ID())
			fmt.Printf("block size:  %s\n", humanize.Bytes(uint64(blockSize)))
			fmt.Printf("free blocks: %d (%s)\n", fsys.FreeBlockCount(), humanize.Bytes(uint64(fsys.FreeBlockCount())*uint64(blockSize)))
			return closeFS(fsys, dev)
		},
	}
}

func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc <path>",
		Short: "Compact a directory's tombstoned entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, dev, err := openFS()
			if err != nil {
				return err
			}
			inode, err := resolvePath(fsys, args[0])
			if err != nil {
				return err
			}
			if err := fsys.CompactDir(inode); err != nil {
				return err
			}
			return closeFS(fsys, dev)
		},
	}
}
