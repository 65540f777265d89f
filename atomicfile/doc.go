/*
Package atomicfile writes files on the remote host so that readers never
see a partially written file:

- content is first written to `<path>.tmp`

- the temp file is then renamed over `<path>`

- if anything fails, the temp file is removed and the destination is
not touched

Some servers refuse the rename (e.g. across devices). In that case we
fall back to overwriting `<path>` directly and report it via Degraded.

	func save(fs remote.FS, path string, data []byte) error {
		w := atomicfile.New(fs, path)
		// calling Close() twice is a no-op
		defer w.Close()

		_, err := w.Write(data)
		if err != nil {
			return err
		}
		return w.Close()
	}
*/
package atomicfile
