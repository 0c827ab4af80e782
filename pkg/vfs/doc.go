// Package vfs provides the virtual file system the kernel loads program
// images from.
//
// The kernel only reads images, so the interface is the small read-mostly
// subset exec and the boot loader need: open a file for reading at arbitrary
// offsets, stat it, list a directory, and install files at boot.
//
//	fs := memfs.New()
//	if err := fs.MkdirAll("/bin", 0755); err != nil {
//		log.Fatal(err)
//	}
//	if err := fs.WriteFile("/bin/true", image, 0755); err != nil {
//		log.Fatal(err)
//	}
//	f, err := fs.Open("/bin/true")
package vfs
