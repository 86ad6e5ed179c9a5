package policy

import "strconv"

// Tree-aware checks. A file or folder operation is granted by any of:
//
//   - a Bucket policy on the bucket id, constrained to the target kind
//   - a Folder policy on the target folder or any folder above it
//   - for existing files, a File policy on the file id
//
// Ancestor lists are nearest first and end at the root folder.

// CanReadBucket checks Bucket.Read.Info on the bucket.
func (ps Policies) CanReadBucket(bucket string) bool {
	return ps.Allows(Request{Resource: ResourceBucket, Operation: OpRead, Constraint: ConstraintInfo, ID: bucket})
}

// CanReadFile checks reading file id held in the given folders.
func (ps Policies) CanReadFile(bucket string, id uint32, folders []uint32) bool {
	return ps.fileCheck(bucket, OpRead, id, folders)
}

// CanCreateFile checks creating a file in folders[0].
func (ps Policies) CanCreateFile(bucket string, folders []uint32) bool {
	return ps.fileCheck(bucket, OpWrite, 0, folders)
}

// CanWriteFile checks changing the content or metadata of file id.
func (ps Policies) CanWriteFile(bucket string, id uint32, folders []uint32) bool {
	return ps.fileCheck(bucket, OpWrite, id, folders)
}

// CanDeleteFile checks deleting file id.
func (ps Policies) CanDeleteFile(bucket string, id uint32, folders []uint32) bool {
	return ps.fileCheck(bucket, OpDelete, id, folders)
}

// CanListFiles checks listing the files of folders[0].
func (ps Policies) CanListFiles(bucket string, folders []uint32) bool {
	return ps.fileCheck(bucket, OpList, 0, folders)
}

// CanReadFolder checks reading folders[0].
func (ps Policies) CanReadFolder(bucket string, folders []uint32) bool {
	return ps.folderCheck(bucket, OpRead, folders)
}

// CanCreateFolder checks creating a folder in folders[0].
func (ps Policies) CanCreateFolder(bucket string, folders []uint32) bool {
	return ps.folderCheck(bucket, OpWrite, folders)
}

// CanWriteFolder checks renaming, moving or changing the status of
// folders[0].
func (ps Policies) CanWriteFolder(bucket string, folders []uint32) bool {
	return ps.folderCheck(bucket, OpWrite, folders)
}

// CanDeleteFolder checks deleting folders[0].
func (ps Policies) CanDeleteFolder(bucket string, folders []uint32) bool {
	return ps.folderCheck(bucket, OpDelete, folders)
}

// CanListFolders checks listing the subfolders of folders[0].
func (ps Policies) CanListFolders(bucket string, folders []uint32) bool {
	return ps.folderCheck(bucket, OpList, folders)
}

func (ps Policies) fileCheck(bucket, op string, id uint32, folders []uint32) bool {
	if id != 0 && ps.Allows(Request{Resource: ResourceFile, Operation: op, ID: formatID(id)}) {
		return true
	}
	return ps.treeCheck(bucket, op, ResourceFile, folders)
}

func (ps Policies) folderCheck(bucket, op string, folders []uint32) bool {
	return ps.treeCheck(bucket, op, ResourceFolder, folders)
}

func (ps Policies) treeCheck(bucket, op, constraint string, folders []uint32) bool {
	if ps.Allows(Request{Resource: ResourceBucket, Operation: op, Constraint: constraint, ID: bucket}) {
		return true
	}
	for _, f := range folders {
		if ps.Allows(Request{Resource: ResourceFolder, Operation: op, Constraint: constraint, ID: formatID(f)}) {
			return true
		}
	}
	return false
}

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
