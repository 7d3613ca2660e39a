package main

import (
	"fmt"
	"io"
	"os"

	"github.com/aligator/fatengine"
	"github.com/aligator/fatengine/block"
	"github.com/spf13/afero"
)

// main is just a example main to play with the engine. It writes a file into the image and walks
// the volume afterwards.
func main() {
	argsWithoutProg := os.Args[1:]
	if len(argsWithoutProg) <= 0 {
		fmt.Println("Please provide a filename.")
		os.Exit(1)
	}

	dev, err := block.Open(afero.NewOsFs(), argsWithoutProg[0], false)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer dev.Close()

	fs, err := fatengine.New(dev, fatengine.MountOptions{})
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	v := fs.Volume()
	fmt.Printf("Opened volume '%v' with type %v\n\n", v.Label(), v.Type())

	if err := afero.WriteFile(fs, "/README.md", []byte("Hello from the FAT engine.\n"), 0644); err != nil {
		fmt.Println("could not write the file", err)
		os.Exit(1)
	}

	afero.Walk(fs, "/", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			fmt.Println(err)
			return err
		}
		fmt.Println(path, info.IsDir(), info.ModTime())
		return nil
	})

	file, err := fs.Open("README.md")
	if err != nil {
		fmt.Println("could not open the root file", err)
		os.Exit(1)
	}
	stat, err := file.Stat()
	if err != nil {
		fmt.Println("could not stat the file", err)
		os.Exit(1)
	}

	offset, err := file.Seek(6, io.SeekStart)
	if err != nil {
		fmt.Println("could not seek", err)
		os.Exit(1)
	}
	buffer := make([]byte, stat.Size()-offset)
	n, err := io.ReadFull(file, buffer)
	if err != nil {
		fmt.Println("could not read the file", err)
		os.Exit(1)
	}
	file.Close()
	fmt.Println(stat.Size(), n)
	fmt.Println("\n\nContent of " + stat.Name() + " from offset 6:\n\n" + string(buffer))

	if err := fs.Unmount(); err != nil {
		fmt.Println("could not unmount", err)
		os.Exit(1)
	}
}
