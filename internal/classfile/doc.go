// Package classfile reads, rewrites and inspects JVM class files.
//
// The model is deliberately shallow: the constant pool is decoded entry by
// entry, while fields, methods and attributes are kept as raw byte payloads
// addressed by constant-pool indices. Encoding a parsed class without
// modification reproduces the input byte for byte.
//
// Three consumers build on it:
//   - relocation and reobfuscation (Remap), which rewrite class references in
//     Utf8 constants
//   - the forbidden-call scanner, which needs method annotations and an
//     instruction walk over Code attributes
//   - the shader, which only needs the class name to route entries
package classfile
